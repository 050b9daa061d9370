package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"anistream/api"
	"anistream/config"
	"anistream/handlers"
	"anistream/services/catalog"
	"anistream/services/downloads"
	"anistream/services/loader"

	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {

	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	// Determine config path (env or default)
	configPath := os.Getenv("ANISTREAM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	// Init config manager and load settings (creates defaults if missing)
	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// Set up file logging with rotation
	if settings.Log.File != "" {
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Printf("Warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			// Redirect standard log to both console and file
			multiWriter := io.MultiWriter(os.Stdout, fileWriter)
			log.SetOutput(multiWriter)
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("Logging to file: %s", settings.Log.File)
		}
	}

	// Apply port override if specified
	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	fs := afero.NewOsFs()

	store, err := catalog.NewStore(fs, filepath.Join(settings.Cache.Directory, "downloads"))
	if err != nil {
		log.Fatalf("failed to open download catalog: %v", err)
	}

	downloadsService := downloads.NewService(fs, store)
	session, err := downloads.NewHTTPTransferSession(fs, settings.Downloads.Directory, settings.Downloads.MaxConcurrent, downloadsService)
	if err != nil {
		log.Fatalf("failed to initialise transfer session: %v", err)
	}
	downloadsService.SetSession(session)

	loaderManager := loader.NewManager(loader.Options{
		MaxVideoBandwidth: settings.Streaming.MaxVideoBandwidth,
		FetchAttempts:     settings.Streaming.FetchAttempts,
	})

	streamHandler := handlers.NewStreamHandler(loaderManager)
	downloadsHandler := handlers.NewDownloadsHandler(downloadsService)

	r := api.NewRouter(streamHandler, downloadsHandler)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	slog.Info("anistream starting",
		"addr", addr,
		"cache_dir", settings.Cache.Directory,
		"downloads_dir", settings.Downloads.Directory,
		"max_video_bandwidth", settings.Streaming.MaxVideoBandwidth,
	)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownChan
	log.Println("Shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Stop playback sessions, then the download pipeline. The transfer
	// session closes before the registry so no completion callback lands
	// after the observer streams are gone.
	loaderManager.Shutdown()
	session.Close()
	downloadsService.Shutdown()
	store.Close()

	log.Println("Shutdown complete")
}
