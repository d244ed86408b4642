package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaultsForUnsetFields(t *testing.T) {
	path := writeTempConfig(t, `
node_id: node-a
store:
  backend: kv
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.MaxPacketBytes != 220 {
		t.Errorf("expected default max_packet_bytes 220, got %d", cfg.Sync.MaxPacketBytes)
	}
	if cfg.Actuation.RateLimitMax != 3 {
		t.Errorf("expected default rate_limit_max 3, got %d", cfg.Actuation.RateLimitMax)
	}
	if cfg.Actuation.IntentTTLDefault.Duration().Seconds() != 30 {
		t.Errorf("expected default intent ttl 30s, got %v", cfg.Actuation.IntentTTLDefault.Duration())
	}
	if cfg.Store.KV.Path == "" {
		t.Error("expected a derived kv path default")
	}
}

func TestLoad_SubstitutesEnvironmentVariables(t *testing.T) {
	os.Setenv("FABRIC_TEST_NODE_ID", "node-from-env")
	defer os.Unsetenv("FABRIC_TEST_NODE_ID")

	path := writeTempConfig(t, `
node_id: ${FABRIC_TEST_NODE_ID}
store:
  backend: kv
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "node-from-env" {
		t.Errorf("expected substituted node id, got %q", cfg.NodeID)
	}
}

func TestLoad_EnvVarDefaultFallback(t *testing.T) {
	path := writeTempConfig(t, `
node_id: ${FABRIC_TEST_UNSET_VAR:-fallback-node}
store:
  backend: kv
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "fallback-node" {
		t.Errorf("expected fallback default, got %q", cfg.NodeID)
	}
}

func TestValidate_RejectsMissingPostgresURL(t *testing.T) {
	cfg := &Config{
		NodeID: "node-a",
		Sync:   SyncSettings{ProtocolVersion: "1", MaxPacketBytes: 220},
		Store:  StoreSettings{Backend: "postgres"},
		Actuation: ActuationSettings{RateLimitMax: 3},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing postgres url")
	}
}

func TestValidate_AcceptsCompleteKVConfig(t *testing.T) {
	cfg := &Config{
		NodeID:    "node-a",
		Sync:      SyncSettings{ProtocolVersion: "1", MaxPacketBytes: 220},
		Store:     StoreSettings{Backend: "kv", KV: KVSettings{Path: "/tmp/data/kv"}},
		Actuation: ActuationSettings{RateLimitMax: 3},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}
