package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jo-hoe/sitescan/internal/common"
	appcfg "github.com/jo-hoe/sitescan/internal/config"
	"github.com/jo-hoe/sitescan/internal/derive"
	"github.com/jo-hoe/sitescan/internal/qr"
	"github.com/jo-hoe/sitescan/internal/recon"
	"github.com/jo-hoe/sitescan/internal/recon/hf"
	"github.com/jo-hoe/sitescan/internal/recon/local"
	"github.com/jo-hoe/sitescan/internal/recon/replicate"
	"github.com/jo-hoe/sitescan/internal/server"
	"github.com/jo-hoe/sitescan/internal/storage"
	"github.com/jo-hoe/sitescan/internal/store"
	"github.com/jo-hoe/sitescan/internal/worker"
)

func main() {
	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	// Store (SQLite, shared on disk between processes)
	st, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	// Uploader and QR generator
	uploader := storage.NewUploader(cfg.Server.StorageDir)
	qrGen := qr.NewGenerator(filepath.Join(cfg.Server.StorageDir, common.QRCodesDirName))

	// Best-effort derivation collaborators
	var extractor derive.TextExtractor = derive.DisabledExtractor{}
	if cfg.Derive.OCRCommand != "" {
		extractor = &derive.CommandExtractor{Command: cfg.Derive.OCRCommand}
	}
	var recognizer derive.Recognizer = derive.DisabledRecognizer{}

	// Reconstruction providers. Local is always available; remote providers
	// are registered whenever configured and validated again at submission.
	defaultMethod, err := recon.ParseMethod(cfg.Recon.DefaultMethod)
	if err != nil {
		logger.Error("invalid default reconstruction method", "method", cfg.Recon.DefaultMethod, "err", err)
		os.Exit(1)
	}
	reconDir := filepath.Join(cfg.Server.StorageDir, common.ReconstructionsDirName)
	providers := recon.NewRegistry(defaultMethod)
	providers.Add(recon.MethodLocal, local.New(reconDir))
	if cfg.Recon.Replicate.Token != "" {
		providers.Add(recon.MethodReplicate, replicate.New(cfg.Recon.Replicate, reconDir))
	}
	if cfg.Recon.HuggingFace.Token != "" {
		providers.Add(recon.MethodHuggingFace, hf.New(cfg.Recon.HuggingFace, reconDir))
	}

	// Worker, one per process
	wrk := worker.New(logger, st, providers, cfg.Worker)
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := wrk.Start(rootCtx); err != nil {
		logger.Error("start worker", "err", err)
		os.Exit(1)
	}

	// HTTP server
	svc := &server.Service{
		Log:        logger,
		Cfg:        cfg,
		Store:      st,
		Uploader:   uploader,
		QR:         qrGen,
		Extractor:  extractor,
		Recognizer: recognizer,
		Providers:  providers,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop the worker loop and wait for the in-flight job
	cancel()
	wrk.Wait()
	logger.Info("server stopped")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
