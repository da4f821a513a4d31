package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// clearEnv blanks every variable Load reads so the host environment does
// not leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TOKEN", "OWNER", "COUNTING_BOT_ID", "COMMAND_PREFIX", "TRIGGER_PREFIX",
		"DATA_DIR", "REFRESH_INTERVAL", "LEDGER_PATH", "HTTP_ADDR",
		"MATRIX_HOMESERVER", "MATRIX_USER_ID", "MATRIX_ACCESS_TOKEN", "MATRIX_AUDIT_ROOM",
		"LOG_LEVEL", "LOG_FORMAT", "LOG_ADD_SOURCE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "savesbot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOKEN", "secret-token")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OwnerID != snowflake.ID(338005893377556480) {
		t.Errorf("OwnerID = %v", cfg.OwnerID)
	}
	if cfg.CountingBotID != snowflake.ID(510016054391734273) {
		t.Errorf("CountingBotID = %v", cfg.CountingBotID)
	}
	if cfg.CommandPrefix != "::" || cfg.TriggerPrefix != "c!" {
		t.Errorf("prefixes = %q %q", cfg.CommandPrefix, cfg.TriggerPrefix)
	}
	if cfg.RefreshInterval != 10*time.Minute {
		t.Errorf("RefreshInterval = %v", cfg.RefreshInterval)
	}
	if cfg.DataDir != "." || cfg.LedgerPath != "" || cfg.HTTPAddr != "" || cfg.Matrix.Enabled() {
		t.Errorf("optional features should default off: %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
token: from-file
owner: "42"
data_dir: /var/lib/savesbot
refresh_interval: 5m
log:
  level: debug
  format: json
matrix:
  homeserver: https://matrix.example.org
  user_id: "@saves:example.org"
  access_token: mx-token
  audit_room: "!room:example.org"
`)
	t.Setenv("DATA_DIR", "/data")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "from-file" || cfg.OwnerID != 42 {
		t.Errorf("file values lost: token=%q owner=%v", cfg.Token, cfg.OwnerID)
	}
	if cfg.DataDir != "/data" {
		t.Errorf("DataDir = %q, env should win", cfg.DataDir)
	}
	if cfg.RefreshInterval != 5*time.Minute {
		t.Errorf("RefreshInterval = %v", cfg.RefreshInterval)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if !cfg.Matrix.Enabled() {
		t.Error("matrix should be enabled")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing token", nil, "token is required"},
		{"bad owner", map[string]string{"TOKEN": "x", "OWNER": "me"}, "owner: invalid id"},
		{"bad counting bot", map[string]string{"TOKEN": "x", "COUNTING_BOT_ID": "-1"}, "counting_bot_id"},
		{"same prefixes", map[string]string{"TOKEN": "x", "COMMAND_PREFIX": "c!"}, "must differ"},
		{"bad level", map[string]string{"TOKEN": "x", "LOG_LEVEL": "loud"}, "unknown log.level"},
		{"bad format", map[string]string{"TOKEN": "x", "LOG_FORMAT": "xml"}, "unknown log.format"},
		{"partial matrix", map[string]string{"TOKEN": "x", "MATRIX_HOMESERVER": "https://m.org"}, "matrix:"},
		{"bad interval", map[string]string{"TOKEN": "x", "REFRESH_INTERVAL": "soon"}, "parse env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOKEN", "x")
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLogValue_HidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Token = "MTIzNDU2Nzg5MDEy.abcdef.very-secret-part"
	cfg.Matrix.AccessToken = "syt_matrix_secret_token"

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("config", "cfg", cfg)
	out := buf.String()
	if strings.Contains(out, "very-secret-part") || strings.Contains(out, "matrix_secret_token") {
		t.Errorf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker: %s", out)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record passed a warn logger")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("json output missing record: %s", out)
	}

	if _, err := NewLogger(LogConfig{Format: "xml"}, &buf); err == nil {
		t.Error("expected error for unknown format")
	}
}
