package lending

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"lendcore/crypto"
)

const sampleConfig = `
CloseFactorBps = 4000

[Prices]
WETH = "1850.25"

[[Assets]]
Symbol = "usdc"
Decimals = 6

[[Assets]]
Symbol = "WETH"
Decimals = 8

[[Banks]]
Asset = "USDC"
MaxLTVBps = 8000
LiquidationThresholdBps = 8500

[[Banks]]
Asset = "weth"
MaxLTVBps = 7000
LiquidationThresholdBps = 7500
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lending.toml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CloseFactorBps != 4_000 || cfg.LiquidationBonusBps != DefaultLiquidationBonusBps {
		t.Fatalf("unexpected liquidation params %+v", cfg.LiquidationParams())
	}
	if cfg.ProgramID != DefaultProgramID {
		t.Fatalf("program id default not applied: %q", cfg.ProgramID)
	}
	if len(cfg.Assets) != 2 || len(cfg.Banks) != 2 || cfg.Prices["WETH"] != "1850.25" {
		t.Fatalf("unexpected decode %+v", cfg)
	}

	clone := cfg.Clone()
	clone.Prices["WETH"] = "1"
	clone.Banks[0].MaxLTVBps = 1
	if cfg.Prices["WETH"] != "1850.25" || cfg.Banks[0].MaxLTVBps != 8_000 {
		t.Fatalf("clone aliased original")
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		cfg := Config{
			Assets: []AssetGenesis{{Symbol: "USDC", Decimals: 6}},
			Banks:  []BankGenesis{{Asset: "USDC", MaxLTVBps: 8_000, LiquidationThresholdBps: 8_500}},
		}
		cfg.EnsureDefaults()
		return cfg
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	cases := map[string]func(*Config){
		"threshold below ltv": func(c *Config) { c.Banks[0].LiquidationThresholdBps = 7_000 },
		"threshold above 100%": func(c *Config) { c.Banks[0].LiquidationThresholdBps = 10_001 },
		"zero ltv":             func(c *Config) { c.Banks[0].MaxLTVBps = 0 },
		"undeclared asset":     func(c *Config) { c.Banks[0].Asset = "DAI" },
		"too many decimals":    func(c *Config) { c.Assets[0].Decimals = 19 },
		"bad program id":       func(c *Config) { c.ProgramID = "abcd" },
		"close factor":         func(c *Config) { c.CloseFactorBps = 10_001 },
		"bad price":            func(c *Config) { c.Prices["USDC"] = "free" },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateRisk(t *testing.T) {
	if err := ValidateRisk(1, 1); err != nil {
		t.Fatalf("minimal parameters rejected: %v", err)
	}
	if err := ValidateRisk(9_000, 8_000); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestAuthorityDeriver(t *testing.T) {
	deriver, err := NewAuthorityDeriver(bytes.Repeat([]byte{0x01}, 20))
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	if _, err := NewAuthorityDeriver([]byte{0x01}); err == nil {
		t.Fatalf("expected short program id rejected")
	}

	treasury, err := deriver.Treasury("usdc")
	if err != nil {
		t.Fatalf("treasury: %v", err)
	}
	if treasury.Asset != "USDC" || treasury.Role != RoleTreasury || treasury.Account.Prefix() != crypto.ProgramPrefix {
		t.Fatalf("unexpected treasury authority %+v", treasury)
	}
	if err := deriver.Verify(treasury, "USDC", treasury.Account); err != nil {
		t.Fatalf("verify treasury: %v", err)
	}
	if err := deriver.Verify(treasury, "WETH", treasury.Account); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected asset scope violation, got %v", err)
	}

	other, err := NewAuthorityDeriver(bytes.Repeat([]byte{0x02}, 20))
	if err != nil {
		t.Fatalf("other deriver: %v", err)
	}
	if err := other.Verify(treasury, "USDC", treasury.Account); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected foreign program rejected, got %v", err)
	}

	user := crypto.MustNewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{0x33}, 20))
	owner := deriver.Owner("USDC", user)
	if err := deriver.Verify(owner, "USDC", user); err != nil {
		t.Fatalf("verify owner: %v", err)
	}
	if err := deriver.Verify(owner, "USDC", treasury.Account); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("owner capability debited treasury: %v", err)
	}
	spoofed := Authority{Asset: "USDC", Role: RoleOwner, Account: treasury.Account}
	if err := deriver.Verify(spoofed, "USDC", treasury.Account); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("owner role on program account accepted: %v", err)
	}
}
