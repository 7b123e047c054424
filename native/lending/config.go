package lending

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultCloseFactorBps lets one liquidation repay half of a debt.
	DefaultCloseFactorBps uint64 = 5_000
	// DefaultLiquidationBonusBps pays liquidators a 5% incentive.
	DefaultLiquidationBonusBps uint64 = 500
	// DefaultProgramID is the program id used when none is configured.
	DefaultProgramID = "4c656e64436f726550726f6772616d4964303031"
)

// Config captures the runtime configuration for the native lending module.
type Config struct {
	ProgramID           string            `toml:"ProgramID"`
	CloseFactorBps      uint64            `toml:"CloseFactorBps"`
	LiquidationBonusBps uint64            `toml:"LiquidationBonusBps"`
	Prices              map[string]string `toml:"Prices"`
	Assets              []AssetGenesis    `toml:"Assets"`
	Banks               []BankGenesis     `toml:"Banks"`
}

// AssetGenesis registers an asset with the token ledger at startup.
type AssetGenesis struct {
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

// BankGenesis initialises a bank at startup if it does not exist.
type BankGenesis struct {
	Asset                   string `toml:"Asset"`
	MaxLTVBps               uint64 `toml:"MaxLTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
}

// LoadConfig decodes a TOML risk configuration and applies defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read lending config: %w", err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode lending config: %w", err)
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnsureDefaults fills unset fields.
func (c *Config) EnsureDefaults() {
	if strings.TrimSpace(c.ProgramID) == "" {
		c.ProgramID = DefaultProgramID
	}
	if c.CloseFactorBps == 0 {
		c.CloseFactorBps = DefaultCloseFactorBps
	}
	if c.LiquidationBonusBps == 0 {
		c.LiquidationBonusBps = DefaultLiquidationBonusBps
	}
	if c.Prices == nil {
		c.Prices = map[string]string{}
	}
}

// Validate checks ranges and cross references.
func (c Config) Validate() error {
	if _, err := c.ProgramIDBytes(); err != nil {
		return err
	}
	if c.CloseFactorBps == 0 || c.CloseFactorBps > BasisPoints {
		return fmt.Errorf("CloseFactorBps must be within (0, %d]", BasisPoints)
	}
	if c.LiquidationBonusBps > BasisPoints {
		return fmt.Errorf("LiquidationBonusBps must not exceed %d", BasisPoints)
	}
	assets := make(map[string]struct{}, len(c.Assets))
	for _, asset := range c.Assets {
		symbol := NormalizeAsset(asset.Symbol)
		if symbol == "" {
			return fmt.Errorf("asset symbol must not be empty")
		}
		if asset.Decimals > MaxAssetDecimals {
			return fmt.Errorf("asset %s: decimals must not exceed %d", symbol, MaxAssetDecimals)
		}
		if _, dup := assets[symbol]; dup {
			return fmt.Errorf("asset %s declared twice", symbol)
		}
		assets[symbol] = struct{}{}
	}
	banks := make(map[string]struct{}, len(c.Banks))
	for _, bank := range c.Banks {
		asset := NormalizeAsset(bank.Asset)
		if _, ok := assets[asset]; !ok {
			return fmt.Errorf("bank %s references an undeclared asset", asset)
		}
		if _, dup := banks[asset]; dup {
			return fmt.Errorf("bank %s declared twice", asset)
		}
		banks[asset] = struct{}{}
		if err := ValidateRisk(bank.MaxLTVBps, bank.LiquidationThresholdBps); err != nil {
			return fmt.Errorf("bank %s: %w", asset, err)
		}
	}
	if _, err := NewStaticValuer(c.Prices); err != nil {
		return err
	}
	return nil
}

// ProgramIDBytes decodes the hex program id.
func (c Config) ProgramIDBytes() ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(c.ProgramID), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("ProgramID: %w", err)
	}
	if len(decoded) != 20 {
		return nil, fmt.Errorf("ProgramID must be 20 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// LiquidationParams extracts the liquidation settings.
func (c Config) LiquidationParams() LiquidationParams {
	return LiquidationParams{CloseFactorBps: c.CloseFactorBps, LiquidationBonusBps: c.LiquidationBonusBps}
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := c
	clone.Prices = make(map[string]string, len(c.Prices))
	for k, v := range c.Prices {
		clone.Prices[k] = v
	}
	clone.Assets = append([]AssetGenesis(nil), c.Assets...)
	clone.Banks = append([]BankGenesis(nil), c.Banks...)
	return clone
}

// ValidateRisk enforces 0 < maxLTV <= threshold <= BasisPoints.
func ValidateRisk(maxLTV, threshold uint64) error {
	if maxLTV == 0 || maxLTV > threshold || threshold > BasisPoints {
		return fmt.Errorf("need 0 < max_ltv (%d) <= liquidation_threshold (%d) <= %d: %w", maxLTV, threshold, BasisPoints, ErrInvalidParameters)
	}
	return nil
}
