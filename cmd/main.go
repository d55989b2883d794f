package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/catalog-indexer/internal/app"
	"github.com/yungbote/catalog-indexer/internal/http"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := application.ReloadSites(); err != nil {
				application.Log.Warn("Site configuration reload failed", "error", err)
			}
		}
	}()

	if err := application.Start(); err != nil {
		application.Log.Error("Background sync failed to start", "error", err)
		return
	}

	server := &http.Server{Engine: application.Router}
	application.Log.Info("Server listening", "addr", application.Cfg.HTTPAddr)
	if err := server.Run(ctx, application.Cfg.HTTPAddr); err != nil {
		application.Log.Error("Server failed", "error", err)
	}
}
