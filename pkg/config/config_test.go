package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFlexibleStringSlice_MixedTypes(t *testing.T) {
	var f FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["alice", 12345]`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(f) != 2 || f[0] != "alice" || f[1] != "12345" {
		t.Errorf("got %v, want [alice 12345]", f)
	}
	if !f.Contains("12345") {
		t.Errorf("Contains(12345) = false")
	}
	if f.Contains("bob") {
		t.Errorf("Contains(bob) = true")
	}
}

func TestFlexibleStringSlice_EmptyAllowsAll(t *testing.T) {
	var f FlexibleStringSlice
	if !f.Contains("anyone") {
		t.Errorf("empty allow list should allow everyone")
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"string", `"2m"`, 2 * time.Minute},
		{"seconds", `90`, 90 * time.Second},
		{"fractional", `0.5`, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if d.Std() != tt.want {
				t.Errorf("got %v, want %v", d.Std(), tt.want)
			}
		})
	}

	var d Duration
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Errorf("expected error for invalid duration")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Broker.ApprovalTimeout.Std() != 2*time.Minute {
		t.Errorf("ApprovalTimeout = %v, want 2m", cfg.Broker.ApprovalTimeout.Std())
	}
	if cfg.Chains.Default != "0x61" {
		t.Errorf("Chains.Default = %q, want 0x61", cfg.Chains.Default)
	}
	if cfg.Provider.UUID != DefaultProviderUUID {
		t.Errorf("Provider.UUID = %q", cfg.Provider.UUID)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Port != DefaultConfig().Gateway.Port {
		t.Errorf("Gateway.Port = %d", cfg.Gateway.Port)
	}
}

func TestLoadConfig_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"broker": {"approval_timeout": "30s", "allow_file_origins": true},
		"gateway": {"host": "0.0.0.0", "port": 9000},
		"storage": {"driver": "sqlite", "path": "/tmp/apollo.db"}
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APOLLO_GATEWAY_PORT", "9100")
	t.Setenv("APOLLO_WALLET_PASSPHRASE", "correct horse")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Broker.ApprovalTimeout.Std() != 30*time.Second {
		t.Errorf("ApprovalTimeout = %v", cfg.Broker.ApprovalTimeout.Std())
	}
	if !cfg.Broker.AllowFileOrigins {
		t.Errorf("AllowFileOrigins = false")
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("Gateway.Host = %q", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("Gateway.Port = %d, want env override 9100", cfg.Gateway.Port)
	}
	if cfg.Wallet.Passphrase != "correct horse" {
		t.Errorf("passphrase not read from env")
	}
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"unknown driver", `{"storage": {"driver": "mongo"}}`},
		{"postgres without url", `{"storage": {"driver": "postgres"}}`},
		{"telegram without token", `{"channels": {"telegram": {"enabled": true}}}`},
		{"bad port", `{"gateway": {"port": 70000}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.json), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestSaveConfig_OmitsPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.Wallet.Passphrase = "secret"
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	wallet := raw["wallet"].(map[string]any)
	if _, ok := wallet["passphrase"]; ok {
		t.Errorf("passphrase must not be saved")
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadChainSeeds(t *testing.T) {
	seeds, err := LoadChainSeeds(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadChainSeeds: %v", err)
	}
	if len(seeds) != len(DefaultChainSeeds()) {
		t.Errorf("expected default seeds, got %d", len(seeds))
	}

	path := filepath.Join(t.TempDir(), "chains.yaml")
	yml := `chains:
  - hex: "0xAA36A7"
    name: Sepolia
    ticker: ETH
    rpc_url: https://rpc.sepolia.org
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	seeds, err = LoadChainSeeds(path)
	if err != nil {
		t.Fatalf("LoadChainSeeds: %v", err)
	}
	if len(seeds) != 1 || seeds[0].Hex != "0xaa36a7" {
		t.Errorf("got %+v, want one lowercased Sepolia seed", seeds)
	}
}

func TestLoadChainSeeds_RequiresRPC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  - hex: \"0x1\"\n    name: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChainSeeds(path); err == nil {
		t.Errorf("expected error for missing rpc_url")
	}
}

func TestSaveChainSeeds_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := SaveChainSeeds(path, DefaultChainSeeds()[:2]); err != nil {
		t.Fatal(err)
	}
	seeds, err := LoadChainSeeds(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(seeds) != 2 || seeds[1].Hex != "" || seeds[1].Name != "ZEUS Mainnet" {
		t.Errorf("unexpected seeds %+v", seeds)
	}
}

func TestNewGatewayToken(t *testing.T) {
	a, err := NewGatewayToken()
	if err != nil {
		t.Fatalf("NewGatewayToken: %v", err)
	}
	b, err := NewGatewayToken()
	if err != nil {
		t.Fatalf("NewGatewayToken: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64", len(a))
	}
	if a == b {
		t.Errorf("two tokens are equal: %s", a)
	}
}
