// mistllamad serves llama.cpp-backed generation and retrieval to workflow
// runtimes over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Crewdle/mist-connector-llamacpp/internal/config"
	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
	"github.com/Crewdle/mist-connector-llamacpp/internal/httpapi"
	"github.com/Crewdle/mist-connector-llamacpp/internal/index"
	"github.com/Crewdle/mist-connector-llamacpp/internal/pipeline"
	"github.com/Crewdle/mist-connector-llamacpp/internal/registry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mistllamad",
		Short:         "llama.cpp connector daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		addr       string
		modelsDir  string
		docsDir    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logLevel)
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			// Flags override the config file.
			if addr != "" {
				cfg.Addr = addr
			}
			if modelsDir != "" {
				cfg.ModelsDir = modelsDir
			}
			if docsDir != "" {
				cfg.DocsDir = docsDir
			}
			if err := cfg.Normalize(); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml/.json/.toml)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "Directory scanned for *.gguf model files")
	cmd.Flags().StringVar(&docsDir, "docs-dir", "", "Directory watched for documents to index")
	return cmd
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	baseCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewLlamaEngine(cfg.ContextSize, cfg.Threads)
	reg := registry.NewWithConfig(registry.Config{
		Engine:      eng,
		Logger:      log,
		ContextSize: cfg.ContextSize,
		Threads:     cfg.Threads,
		Sequences:   cfg.Sequences,
	})
	idx, err := index.NewWithConfig(index.Config{
		Embedder:  reg,
		Logger:    log,
		ChunkSize: cfg.ChunkSize,
	})
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	var modelPaths map[string]string
	if cfg.ModelsDir != "" {
		modelPaths, err = registry.ScanDir(cfg.ModelsDir)
		if err != nil {
			return fmt.Errorf("scan models dir: %w", err)
		}
		log.Info().Str("dir", cfg.ModelsDir).Int("models", len(modelPaths)).Msg("models available")
	}
	pipe := pipeline.NewWithConfig(pipeline.Config{
		Registry:        reg,
		Index:           idx,
		Logger:          log,
		ModelPaths:      modelPaths,
		Instructions:    cfg.Instructions,
		MaxTokens:       cfg.MaxTokens,
		Temperature:     cfg.Temperature,
		MaxContents:     cfg.MaxContents,
		MaxChunksPerHit: cfg.MaxChunksPerHit,
	})

	if cfg.DocsDir != "" {
		watcher, err := index.NewWatcher(cfg.DocsDir, idx, log)
		if err != nil {
			return fmt.Errorf("document watcher: %w", err)
		}
		go func() {
			if err := watcher.Run(baseCtx); err != nil {
				log.Warn().Err(err).Msg("document watcher stopped")
			}
		}()
	}

	api := httpapi.NewServer(httpapi.Config{
		Service:      pipe,
		Logger:       log,
		BaseContext:  baseCtx,
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORSOrigins:  cfg.CORSOrigins,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: api.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-baseCtx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}
