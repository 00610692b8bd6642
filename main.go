package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pdftranslate-server/internal/config"
	"pdftranslate-server/internal/engine"
	"pdftranslate-server/internal/llmcheck"
	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/orchestrator"
	"pdftranslate-server/internal/pdf"
	"pdftranslate-server/internal/python"
	"pdftranslate-server/internal/server"
	"pdftranslate-server/internal/task"
	"pdftranslate-server/internal/types"
	"pdftranslate-server/internal/workspace"
)

// Command line flags
var (
	configFlag       = flag.String("config", "", "JSON config file (environment variables take precedence)")
	hostFlag         = flag.String("host", "", "listen address (overrides SERVER_HOST)")
	portFlag         = flag.Int("port", 0, "listen port (overrides SERVER_PORT)")
	preloadFontsFlag = flag.Bool("preload-fonts", false, "download and warm up the engine's fonts, then exit")
)

// How long shutdown waits for running translations before cancelling them.
const drainTimeout = 30 * time.Second

func printHelp() {
	fmt.Println("pdftranslate-server - HTTP service for BabelDOC PDF translation")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pdftranslate-server [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Configuration is read from the environment (OPENAI_API_KEY, OPENAI_MODEL,")
	fmt.Println("OPENAI_BASE_URL, SERVER_HOST, SERVER_PORT, QPS, DEFAULT_LANG_IN, ...).")
}

func main() {
	flag.Usage = printHelp
	flag.Parse()

	if err := logger.Init(&logger.Config{
		LogFilePath:   os.Getenv("LOG_FILE"),
		MaxFileSize:   10 * 1024 * 1024,
		MaxBackups:    5,
		Level:         logger.ParseLevel(os.Getenv("LOG_LEVEL")),
		EnableConsole: true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	var err error
	if *preloadFontsFlag {
		err = preloadFonts()
	} else {
		err = serve()
	}
	if err != nil {
		logger.Error("fatal", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Close()
		os.Exit(1)
	}
}

func loadConfig() (*config.ConfigManager, error) {
	cm := config.NewConfigManager(*configFlag)
	if err := cm.Load(); err != nil {
		return nil, err
	}
	cfg := cm.GetConfig()
	if *hostFlag != "" {
		cfg.ServerHost = *hostFlag
	}
	if *portFlag != 0 {
		cfg.ServerPort = *portFlag
	}
	return cm, nil
}

func newEngine(cfg *types.Config) (*engine.BabelDOC, *python.Env, error) {
	env, err := python.New(python.Config{PythonBin: cfg.PythonBin})
	if err != nil {
		return nil, nil, err
	}
	return engine.NewBabelDOC(engine.BabelDOCConfig{Python: env}), env, nil
}

func preloadFonts() error {
	cm, err := loadConfig()
	if err != nil {
		return err
	}
	babeldoc, _, err := newEngine(cm.GetConfig())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Preloading BabelDOC fonts...")
	method, err := babeldoc.Warmup(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Fonts ready (%s)\n", method)
	return nil
}

func serve() error {
	cm, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cm.Validate(); err != nil {
		return err
	}
	cfg := cm.GetConfig()
	debug := strings.EqualFold(cfg.LogLevel, "debug")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.VerifyModel {
		if err := llmcheck.Verify(ctx, llmcheck.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}); err != nil {
			return err
		}
	}

	store, err := task.Open(cfg.DatabaseURL, debug)
	if err != nil {
		return err
	}
	defer store.Close()

	workspaces, err := workspace.NewManager(cfg.WorkDirectory)
	if err != nil {
		return err
	}

	retention, err := cm.Retention()
	if err != nil {
		return err
	}
	if retention > 0 {
		janitor, err := workspace.NewJanitor(store, workspaces, retention, cfg.JanitorSchedule)
		if err != nil {
			return err
		}
		janitor.Start()
		defer janitor.Stop()
	}

	babeldoc, env, err := newEngine(cfg)
	if err != nil {
		return err
	}
	if err := env.Ensure(ctx, python.RequiredPackages); err != nil {
		logger.Warn("python environment not ready yet; translations will retry", logger.Err(err))
	}

	watermark, _ := types.ParseWatermarkMode(cfg.WatermarkOutputMode)
	orch := orchestrator.New(orchestrator.Config{
		Store:  store,
		Engine: babeldoc,
		Defaults: orchestrator.Defaults{
			LangIn:        cfg.DefaultLangIn,
			LangOut:       cfg.DefaultLangOut,
			NoDual:        cfg.NoDual,
			NoMono:        cfg.NoMono,
			QPS:           cfg.QPS,
			WatermarkMode: watermark,
			Model:         cfg.OpenAIModel,
			BaseURL:       cfg.OpenAIBaseURL,
			APIKey:        cfg.OpenAIAPIKey,
		},
		Inspector: pdf.NewInspector(),
	})

	srv := server.New(server.Config{
		Store:      store,
		Workspaces: workspaces,
		Dispatcher: orch,
		Info: server.Info{
			Model:   cfg.OpenAIModel,
			LangIn:  cfg.DefaultLangIn,
			LangOut: cfg.DefaultLangOut,
			QPS:     cfg.QPS,
		},
		MaxUploadBytes: cm.MaxUploadBytes(),
	})

	logger.Info("starting translation server",
		logger.String("host", cfg.ServerHost),
		logger.Int("port", cfg.ServerPort),
		logger.String("model", cfg.OpenAIModel),
		logger.String("workDir", workspaces.Root()))

	httpServer := srv.HTTPServer(cfg.ServerHost, cfg.ServerPort)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", logger.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", logger.Err(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("running translations were cancelled", logger.Err(err))
	}
	logger.Info("server stopped")
	return nil
}
