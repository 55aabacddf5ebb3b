package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/filedex/filedex/internal/config"
)

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4600
	cfg.Ollama.EmbedModel = "nomic-embed-text"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4600" {
			found = true
		}
		if k.Key == "server.api_token" {
			t.Error("secret key server.api_token should not appear in ShowAll output")
		}
	}
	if !found {
		t.Error("expected to find server.port=4600 in ShowAll output")
	}
}

func TestSearchCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"search"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestTagApplyCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"tag", "apply", "notes/plan.txt"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing tags")
	}
}

func TestConfigSetCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"config", "set", "server.port"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing value")
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := pidFilePath(dir)

	if path != filepath.Join(dir, "filedex.pid") {
		t.Errorf("pid file path = %q", path)
	}

	if err := writePIDFile(path); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error reading removed pid file")
	}
}

func TestReadPIDFile_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filedex.pid")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error for non-numeric pid file")
	}
}

func TestEnsureAPIToken_Configured(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.APIToken = "fixed-token"

	token, err := ensureAPIToken(&cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "fixed-token" {
		t.Errorf("token = %q, want fixed-token", token)
	}
}

func TestEnsureAPIToken_Generated(t *testing.T) {
	t.Setenv("FILEDEX_API_TOKEN", "")

	cfg := config.Config{}
	token, err := ensureAPIToken(&cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a generated token")
	}
	if cfg.Server.APIToken != token {
		t.Error("generated token should be stored back on the config")
	}
	if os.Getenv("FILEDEX_API_TOKEN") != token {
		t.Error("generated token should be exported for child processes")
	}
}
