package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAndEnvOverlay(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AUTH_TOKEN", "s3cret")
	t.Setenv("RPC_TIMEOUT", "1.5")
	t.Setenv("BRIDGE_ARGS", "serve --fast")

	var cfg BridgeConfig
	cfg.SetDefaults()
	if cfg.RequestTimeout != 250*time.Second {
		t.Errorf("default timeout = %v", cfg.RequestTimeout)
	}
	if cfg.MaxMessageBytes != 10<<20 {
		t.Errorf("default max bytes = %d", cfg.MaxMessageBytes)
	}
	cfg.ApplyEnv()
	if cfg.Port != 9090 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.AuthToken != "s3cret" {
		t.Errorf("auth token = %q", cfg.AuthToken)
	}
	if cfg.RequestTimeout != 1500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.RequestTimeout)
	}
	if len(cfg.Args) != 2 || cfg.Args[0] != "serve" {
		t.Errorf("args = %v", cfg.Args)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	data := []byte("port: 7070\nauth_token: from-file\ncommand: /usr/bin/proc\nmax_message_bytes: 1024\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	var cfg BridgeConfig
	cfg.SetDefaults()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 7070 || cfg.AuthToken != "from-file" || cfg.Command != "/usr/bin/proc" || cfg.MaxMessageBytes != 1024 {
		t.Errorf("loaded config: %+v", cfg)
	}
}

func TestValidateFailsFast(t *testing.T) {
	var cfg BridgeConfig
	cfg.SetDefaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for empty required values")
	}
	for _, name := range []string{"AUTH_TOKEN", "BRIDGE_COMMAND", "TARGET_URL", "CALLBACK_HOST", "TRANSPORT_MODE", "CREDENTIALS_DIR"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not name %s: %v", name, err)
		}
	}

	cfg.AuthToken = "t"
	cfg.Command = "/bin/x"
	cfg.TargetURL = "https://example.com"
	cfg.CallbackHost = "localhost"
	cfg.TransportMode = "stdio"
	cfg.CredentialsDir = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSubprocessEnv(t *testing.T) {
	cfg := BridgeConfig{TargetURL: "https://t", CallbackHost: "cb", TransportMode: "stdio", CredentialsDir: "/tmp/creds"}
	env := cfg.SubprocessEnv()
	want := []string{"TARGET_URL=https://t", "CALLBACK_HOST=cb", "TRANSPORT_MODE=stdio", "CREDENTIALS_DIR=/tmp/creds"}
	if len(env) != len(want) {
		t.Fatalf("env = %v", env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}
