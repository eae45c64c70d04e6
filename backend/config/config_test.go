package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil, envFrom(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Errorf("AllowedOrigins = %v, want same-origin default", cfg.AllowedOrigins)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	data := strings.Join([]string{
		"listen-addr: \":9000\"",
		"max-room-age: 2h",
		"conn-rate-max: 7",
		"dedup-ttl: 15s",
		"allowed-origins:",
		"  - https://a.example",
		"  - https://b.example",
	}, "\n")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	env := envFrom(map[string]string{
		"RELAY_CONFIG":          path,
		"RELAY_MAX_ROOM_AGE":    "3h",
		"RELAY_CONN_RATE_MAX":   "9",
		"RELAY_TRUSTED_PROXIES": "127.0.0.1, 10.0.0.1",
	})
	cfg, err := Load([]string{"--conn-rate-max", "11"}, env)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":9000" {
		t.Errorf("file value not applied, ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DedupTTL != 15*time.Second {
		t.Errorf("file value not applied, DedupTTL = %v", cfg.DedupTTL)
	}
	if cfg.MaxRoomAge != 3*time.Hour {
		t.Errorf("env must override file, MaxRoomAge = %v", cfg.MaxRoomAge)
	}
	if cfg.ConnRateMax != 11 {
		t.Errorf("flag must override env, ConnRateMax = %d", cfg.ConnRateMax)
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	if want := []string{"127.0.0.1", "10.0.0.1"}; !reflect.DeepEqual(cfg.TrustedProxies, want) {
		t.Errorf("TrustedProxies = %v, want %v", cfg.TrustedProxies, want)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.yaml")
	if err := os.WriteFile(unknown, []byte("no-such-option: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		env  map[string]string
		want error
	}{
		{name: "bad flag", args: []string{"--nope"}, want: ErrParse},
		{name: "bad env duration", env: map[string]string{"RELAY_DEDUP_TTL": "soon"}, want: ErrParse},
		{name: "missing file", args: []string{"--config", filepath.Join(dir, "missing.yaml")}, want: ErrFile},
		{name: "unknown file option", args: []string{"-c", unknown}, want: ErrInvalid},
		{name: "non-positive interval", args: []string{"--heartbeat-interval", "0s"}, want: ErrInvalid},
		{name: "negative ceiling", args: []string{"--source-rate-max", "-1"}, want: ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args, envFrom(tt.env))
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConfig_Dump(t *testing.T) {
	cfg, err := Load([]string{"--listen-addr", ":7070"}, envFrom(nil))
	if err != nil {
		t.Fatal(err)
	}
	if out := cfg.Dump(); !strings.Contains(out, ":7070") {
		t.Errorf("dump does not mention listen address: %s", out)
	}
}
