package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"lendcore/cmd/internal/passphrase"
	"lendcore/crypto"
	"lendcore/services/lending/client"
	"lendcore/services/lending/signing"
)

const (
	defaultEndpoint = "http://127.0.0.1:8080"
	endpointEnv     = "LENDCTL_ENDPOINT"
	tokenEnv        = "LENDCTL_TOKEN"
	keystoreEnv     = "LENDCTL_KEYSTORE"
	passphraseEnv   = "LENDCTL_PASSPHRASE"
	defaultKeystore = "lendctl.keystore"
)

type globals struct {
	endpoint string
	token    string
	keystore string
	timeout  time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	g := globals{
		endpoint: envOr(endpointEnv, defaultEndpoint),
		token:    os.Getenv(tokenEnv),
		keystore: envOr(keystoreEnv, defaultKeystore),
	}
	fs := flag.NewFlagSet("lendctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.endpoint, "endpoint", g.endpoint, "lendingd base URL")
	fs.StringVar(&g.token, "token", g.token, "operator bearer token for admin commands")
	fs.StringVar(&g.keystore, "keystore", g.keystore, "path to the signing keystore")
	fs.DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := cmd.run(ctx, &g, rest[1:], stdout, stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type command struct {
	summary string
	run     func(ctx context.Context, g *globals, args []string, stdout, stderr io.Writer) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"keygen":         {"create a new signing keystore", runKeygen},
		"address":        {"print the keystore address", runAddress},
		"status":         {"show daemon status", runStatus},
		"banks":          {"list banks", runBanks},
		"bank":           {"show one bank: bank ASSET", runBank},
		"position":       {"show a position: position [ADDRESS]", runPosition},
		"health":         {"show position health: health [ADDRESS]", runHealth},
		"balance":        {"show a wallet balance: balance ASSET [ADDRESS]", runBalance},
		"nonce":          {"show the next nonce: nonce [ADDRESS]", runNonce},
		"journal":        {"list journal entries", runJournal},
		"init-user":      {"open a position", runInitUser},
		"deposit":        {"supply an asset", shareCommand(signing.ActionDeposit)},
		"withdraw":       {"withdraw supplied principal", shareCommand(signing.ActionWithdraw)},
		"borrow":         {"borrow against collateral", shareCommand(signing.ActionBorrow)},
		"repay":          {"repay debt", shareCommand(signing.ActionRepay)},
		"liquidate":      {"liquidate an unhealthy position", runLiquidate},
		"register-asset": {"(admin) register an asset", runRegisterAsset},
		"mint":           {"(admin) mint test funds", runMint},
		"init-bank":      {"(admin) create a bank", runInitBank},
		"pause":          {"(admin) pause user operations", pauseCommand(true)},
		"unpause":        {"(admin) resume user operations", pauseCommand(false)},
		"export":         {"(admin) export the journal to parquet", runExport},
	}
}

func usage() string {
	names := []string{
		"keygen", "address", "status", "banks", "bank", "position", "health", "balance", "nonce", "journal",
		"init-user", "deposit", "withdraw", "borrow", "repay", "liquidate",
		"register-asset", "mint", "init-bank", "pause", "unpause", "export",
	}
	var b strings.Builder
	b.WriteString("Usage: lendctl [--endpoint URL] [--token TOKEN] [--keystore PATH] <command> [flags]\n\nCommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %-15s %s\n", name, commands[name].summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (g *globals) client() (*client.Client, error) {
	return client.New(g.endpoint, client.WithToken(g.token))
}

func (g *globals) loadKey() (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passphraseEnv, "lendctl keystore").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(g.keystore, pass)
	if err != nil {
		return nil, fmt.Errorf("open keystore %s: %w", g.keystore, err)
	}
	return key, nil
}

// accountArg returns the positional address or, when absent, the keystore's.
func (g *globals) accountArg(args []string) (string, error) {
	if len(args) > 0 {
		if _, err := crypto.DecodeAddress(args[0]); err != nil {
			return "", fmt.Errorf("invalid address %q: %w", args[0], err)
		}
		return args[0], nil
	}
	key, err := g.loadKey()
	if err != nil {
		return "", err
	}
	return key.PubKey().Address().String(), nil
}

func writeJSON(w io.Writer, raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, werr := fmt.Fprintln(w, string(raw))
		return werr
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("lendctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runKeygen(_ context.Context, g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("keygen", stderr)
	force := fs.Bool("force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(g.keystore); err == nil {
			return fmt.Errorf("keystore %s already exists (use --force to overwrite)", g.keystore)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(passphraseEnv, "new keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(g.keystore, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(stdout, "%s\n", key.PubKey().Address())
	return nil
}

func runAddress(_ context.Context, g *globals, _ []string, stdout, _ io.Writer) error {
	key, err := g.loadKey()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return nil
}

func runStatus(ctx context.Context, g *globals, _ []string, stdout, _ io.Writer) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "status=%s paused=%t program=%s\n", status.Status, status.Paused, status.ProgramID)
	return nil
}

func runBanks(ctx context.Context, g *globals, _ []string, stdout, _ io.Writer) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.Banks(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}

func runBank(ctx context.Context, g *globals, args []string, stdout, _ io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: bank ASSET")
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.Bank(ctx, args[0])
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}

func runPosition(ctx context.Context, g *globals, args []string, stdout, _ io.Writer) error {
	account, err := g.accountArg(args)
	if err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.Position(ctx, account)
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}

func runHealth(ctx context.Context, g *globals, args []string, stdout, _ io.Writer) error {
	account, err := g.accountArg(args)
	if err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.Health(ctx, account)
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}

func runBalance(ctx context.Context, g *globals, args []string, stdout, _ io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: balance ASSET [ADDRESS]")
	}
	account, err := g.accountArg(args[1:])
	if err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.Balance(ctx, args[0], account)
	if err != nil {
		return err
	}
	var view struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		return fmt.Errorf("decode balance: %w", err)
	}
	units, err := strconv.ParseUint(view.Balance, 10, 64)
	if err != nil {
		return fmt.Errorf("decode balance: %w", err)
	}
	if decimals, err := assetDecimals(ctx, c, view.Asset); err == nil {
		fmt.Fprintf(stdout, "%s %s (%d base units)\n", formatAmount(units, decimals), view.Asset, units)
		return nil
	}
	fmt.Fprintf(stdout, "%d %s base units\n", units, view.Asset)
	return nil
}

func runNonce(ctx context.Context, g *globals, args []string, stdout, _ io.Writer) error {
	account, err := g.accountArg(args)
	if err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	nonce, err := c.Nonce(ctx, account)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, nonce)
	return nil
}

func runJournal(ctx context.Context, g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("journal", stderr)
	eventType := fs.String("type", "", "event type, e.g. lending.borrow")
	asset := fs.String("asset", "", "asset symbol")
	user := fs.String("user", "", "account address")
	after := fs.Uint64("after", 0, "return entries after this sequence")
	limit := fs.Int("limit", 0, "maximum entries (server default when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := url.Values{}
	for key, value := range map[string]string{"type": *eventType, "asset": *asset, "user": *user} {
		if strings.TrimSpace(value) != "" {
			query.Set(key, strings.TrimSpace(value))
		}
	}
	if *after > 0 {
		query.Set("after", strconv.FormatUint(*after, 10))
	}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.Journal(ctx, query)
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}

func (g *globals) execute(ctx context.Context, c *client.Client, env signing.Envelope, stdout io.Writer) error {
	key, err := g.loadKey()
	if err != nil {
		return err
	}
	raw, err := c.Execute(ctx, key, env)
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}

func runInitUser(ctx context.Context, g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("init-user", stderr)
	collateral := fs.String("collateral", "", "primary collateral asset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*collateral) == "" {
		return errors.New("--collateral is required")
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	return g.execute(ctx, c, signing.Envelope{Action: signing.ActionInitUser, CollateralAsset: *collateral}, stdout)
}

func shareCommand(action string) func(context.Context, *globals, []string, io.Writer, io.Writer) error {
	return func(ctx context.Context, g *globals, args []string, stdout, stderr io.Writer) error {
		fs := newFlagSet(action, stderr)
		asset := fs.String("asset", "", "asset symbol")
		amount := fs.String("amount", "", "token amount, e.g. 1.5")
		baseUnits := fs.Bool("base-units", false, "treat --amount as integer base units")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if strings.TrimSpace(*asset) == "" {
			return errors.New("--asset is required")
		}
		c, err := g.client()
		if err != nil {
			return err
		}
		units, err := resolveAmount(ctx, c, *asset, *amount, *baseUnits)
		if err != nil {
			return err
		}
		return g.execute(ctx, c, signing.Envelope{Action: action, Asset: *asset, Amount: units}, stdout)
	}
}

func runLiquidate(ctx context.Context, g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("liquidate", stderr)
	borrower := fs.String("borrower", "", "address of the unhealthy position")
	debt := fs.String("debt", "", "debt asset to repay (largest debt when empty)")
	collateral := fs.String("collateral", "", "collateral asset to seize (borrower's primary when empty)")
	amount := fs.String("amount", "", "debt amount to repay (close factor limit when empty)")
	baseUnits := fs.Bool("base-units", false, "treat --amount as integer base units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := crypto.DecodeAddress(*borrower); err != nil {
		return fmt.Errorf("--borrower: %w", err)
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	var units uint64
	if strings.TrimSpace(*amount) != "" {
		if strings.TrimSpace(*debt) == "" && !*baseUnits {
			return errors.New("--amount needs --debt or --base-units")
		}
		if units, err = resolveAmount(ctx, c, *debt, *amount, *baseUnits); err != nil {
			return err
		}
	}
	return g.execute(ctx, c, signing.Envelope{
		Action:          signing.ActionLiquidate,
		Asset:           *debt,
		CollateralAsset: *collateral,
		Borrower:        *borrower,
		Amount:          units,
	}, stdout)
}

func runRegisterAsset(ctx context.Context, g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("register-asset", stderr)
	symbol := fs.String("symbol", "", "asset symbol")
	decimals := fs.Uint("decimals", 0, "asset decimals")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *decimals > 255 {
		return errors.New("--decimals out of range")
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.RegisterAsset(ctx, *symbol, uint8(*decimals))
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}

func runMint(ctx context.Context, g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("mint", stderr)
	asset := fs.String("asset", "", "asset symbol")
	to := fs.String("to", "", "recipient address")
	amount := fs.String("amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := crypto.DecodeAddress(*to); err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	units, err := strconv.ParseUint(strings.TrimSpace(*amount), 10, 64)
	if err != nil {
		return fmt.Errorf("--amount: %w", err)
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.Mint(ctx, *asset, *to, units)
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}

func runInitBank(ctx context.Context, g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("init-bank", stderr)
	asset := fs.String("asset", "", "asset symbol")
	maxLTV := fs.Uint64("max-ltv", 0, "max loan-to-value in basis points")
	threshold := fs.Uint64("threshold", 0, "liquidation threshold in basis points")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.InitializeBank(ctx, *asset, *maxLTV, *threshold)
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}

func pauseCommand(paused bool) func(context.Context, *globals, []string, io.Writer, io.Writer) error {
	return func(ctx context.Context, g *globals, _ []string, stdout, _ io.Writer) error {
		c, err := g.client()
		if err != nil {
			return err
		}
		raw, err := c.SetPaused(ctx, paused)
		if err != nil {
			return err
		}
		return writeJSON(stdout, raw)
	}
}

func runExport(ctx context.Context, g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("export", stderr)
	after := fs.Uint64("after", 0, "export entries after this sequence")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.ExportJournal(ctx, *after)
	if err != nil {
		return err
	}
	return writeJSON(stdout, raw)
}
