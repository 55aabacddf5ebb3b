package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/filedex/filedex/internal/api"
	"github.com/filedex/filedex/internal/config"
	"github.com/filedex/filedex/internal/engine"
	"github.com/filedex/filedex/internal/extract"
	"github.com/filedex/filedex/internal/indexer"
	"github.com/filedex/filedex/internal/retrieval"
	"github.com/filedex/filedex/internal/storage"
	"github.com/filedex/filedex/internal/suggest"
	"github.com/filedex/filedex/internal/vectorindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the filedex server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running filedex server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show filedex system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

// app bundles the wired components every command operates on.
type app struct {
	cfg       config.Config
	ollama    *engine.Ollama
	store     *storage.Store
	index     *vectorindex.Index
	extractor *extract.Extractor
	indexer   *indexer.Indexer
	engine    *retrieval.Engine
}

// openApp loads config and wires storage, the vector index, the
// extractor, the indexer, and the retrieval engine against it.
func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	store.SetStrictRefs(cfg.Workspace.StrictRefs)

	ollama := engine.NewOllama(cfg.Ollama.BaseURL)
	embedder := vectorindex.NewEmbedder(ollama, cfg.Ollama.EmbedModel)
	index := vectorindex.New(store.DB(), embedder)
	ex := extract.New(cfg.Workspace.Root, cfg.Extract.SampleSize)
	idx := indexer.New(store, index, ex, cfg.Workspace.Root)
	suggester := suggest.New(ollama, cfg.Ollama.SuggestModel)
	eng := retrieval.New(store, index, suggester)

	return &app{
		cfg:       cfg,
		ollama:    ollama,
		store:     store,
		index:     index,
		extractor: ex,
		indexer:   idx,
		engine:    eng,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "filedex.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// ensureAPIToken returns the configured bearer token, generating and
// persisting one on first run.
func ensureAPIToken(cfg *config.Config) (string, error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, nil
	}
	token := uuid.NewString()
	if err := os.Setenv("FILEDEX_API_TOKEN", token); err != nil {
		return "", err
	}
	cfg.Server.APIToken = token
	slog.Info("generated API bearer token for this run; set FILEDEX_API_TOKEN to fix it")
	return token, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "filedex version %s\n", version)

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.close()
	cfg := app.cfg

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := ensureAPIToken(&app.cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.EnsureReady(ctx, app.ollama, cfg.Ollama.EmbedModel, cfg.Ollama.SuggestModel, os.Stderr); err != nil {
		return err
	}

	// Heal any drift left by a previous crash before serving queries.
	if _, _, err := app.indexer.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling stores: %w", err)
	}

	appHandler := api.NewAppHandler(api.HTTPDeps{
		Engine: app.engine,
		Store:  app.store,
		Token:  apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// MCP server on stdio transport.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Engine:    app.engine,
		Indexer:   app.indexer,
		Extractor: app.extractor,
		Root:      cfg.Workspace.Root,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "filedex listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("filedex is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop filedex (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to filedex (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Suggest model", "%s", cfg.Ollama.SuggestModel)
	printStatus("Workspace", "%s", cfg.Workspace.Root)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	// Counts come straight from the local store; the server need not run.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err == nil {
		defer store.Close()
		if st, err := store.Stats(); err == nil {
			printStatus("Files", "%d", st.Files)
			printStatus("Tags", "%d", st.Tags)
			printStatus("Collections", "%d", st.Collections)
		}
	}
	return nil
}

