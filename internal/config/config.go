package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Workspace WorkspaceConfig
	Extract   ExtractConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type OllamaConfig struct {
	BaseURL      string
	EmbedModel   string
	SuggestModel string
}

type StorageConfig struct {
	DataDir string
}

// WorkspaceConfig describes the sandboxed file tree the indexer operates on.
// All indexed and tool-visible paths are relative to Root. StrictRefs makes
// tag application and collection membership reject paths that have no
// indexed file record.
type WorkspaceConfig struct {
	Root       string
	StrictRefs bool
}

type ExtractConfig struct {
	SampleSize int
}

type RetrievalConfig struct {
	TopK int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			EmbedModel:   "nomic-embed-text",
			SuggestModel: "phi3.5",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Workspace: WorkspaceConfig{
			Root:       defaultWorkspaceRoot(),
			StrictRefs: false,
		},
		Extract: ExtractConfig{
			SampleSize: 2000,
		},
		Retrieval: RetrievalConfig{
			TopK: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in three layers: built-in defaults, the JSON
// config file at $XDG_CONFIG_HOME/filedex/config.json, then FILEDEX_*
// environment variables. Later layers win.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Workspace.Root == "" {
		return Config{}, fmt.Errorf("missing required config: workspace root. Set it via FILEDEX_WORKSPACE_ROOT or the workspace.root config key")
	}
	abs, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return Config{}, fmt.Errorf("resolving workspace root: %w", err)
	}
	cfg.Workspace.Root = abs

	if cfg.Extract.SampleSize <= 0 {
		return Config{}, fmt.Errorf("extract.sample_size must be positive, got %d", cfg.Extract.SampleSize)
	}
	if cfg.Retrieval.TopK <= 0 {
		return Config{}, fmt.Errorf("retrieval.top_k must be positive, got %d", cfg.Retrieval.TopK)
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "filedex-data"
		}
	}
	return filepath.Join(dir, "filedex")
}

func defaultWorkspaceRoot() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "filedex", "config.json")
}
