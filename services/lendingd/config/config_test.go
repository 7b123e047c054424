package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
lending_config: lending.toml
tls:
  allow_insecure: true
auth:
  api_tokens:
    - " token-one "
    - " "
    - "token-two"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.ListenAddress != ":6000" || cfg.HealthListen != defaultHealthListen {
		t.Fatalf("unexpected listen addresses: %q %q", cfg.ListenAddress, cfg.HealthListen)
	}
	if !cfg.TLS.AllowInsecure {
		t.Fatalf("expected allow_insecure to propagate")
	}
	if len(cfg.Auth.APITokens) != 2 {
		t.Fatalf("expected 2 trimmed api tokens, got %d", len(cfg.Auth.APITokens))
	}
	if cfg.Storage != StorageLevelDB || cfg.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected storage defaults %q %q", cfg.Storage, cfg.DataDir)
	}
	if cfg.LendingConfig != filepath.Join(dir, "lending.toml") {
		t.Fatalf("lending config not resolved: %q", cfg.LendingConfig)
	}
	if cfg.Journal.Driver != JournalSQLite || cfg.Journal.DSN != filepath.Join(dir, "data", defaultJournalDSN) {
		t.Fatalf("unexpected journal defaults %+v", cfg.Journal)
	}
	if cfg.Auth.JWT.ScopeClaim != "scope" || cfg.Auth.JWT.ClockSkew != 2*time.Minute {
		t.Fatalf("unexpected jwt defaults %+v", cfg.Auth.JWT)
	}
}

func TestLoadConfigJWTOnly(t *testing.T) {
	path := writeConfig(t, `
lending_config: /etc/lendcore/lending.toml
storage: memory
tls:
  allow_insecure: true
auth:
  jwt:
    secret: "0123456789abcdef0123456789abcdef"
    issuer: lendcore
journal:
  driver: none
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LendingConfig != "/etc/lendcore/lending.toml" || cfg.Storage != StorageMemory {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadConfigRejections(t *testing.T) {
	cases := map[string]string{
		"no authenticators": `
lending_config: lending.toml
tls:
  cert: "server.crt"
  key: "server.key"
auth: {}
`,
		"missing tls key": `
lending_config: lending.toml
tls:
  cert: "server.crt"
auth:
  api_tokens: [token]
`,
		"mtls without client ca": `
lending_config: lending.toml
tls:
  cert: "server.crt"
  key: "server.key"
auth:
  mtls:
    allowed_common_names: [client]
`,
		"tls material required": `
lending_config: lending.toml
auth:
  api_tokens: [token]
`,
		"short jwt secret": `
lending_config: lending.toml
tls: {allow_insecure: true}
auth:
  jwt: {secret: short}
`,
		"unknown storage": `
lending_config: lending.toml
storage: bolt
tls: {allow_insecure: true}
auth: {api_tokens: [token]}
`,
		"postgres without dsn": `
lending_config: lending.toml
tls: {allow_insecure: true}
auth: {api_tokens: [token]}
journal: {driver: postgres}
`,
		"missing lending config": `
tls: {allow_insecure: true}
auth: {api_tokens: [token]}
`,
		"unknown field": `
lending_config: lending.toml
tls: {allow_insecure: true}
auth: {api_tokens: [token]}
listen_addr: ":1"
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}
