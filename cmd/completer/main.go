package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/comigor/completer/internal/completion"
	"github.com/comigor/completer/internal/config"
	"github.com/comigor/completer/internal/history"
	"github.com/comigor/completer/internal/llm"
	"github.com/comigor/completer/internal/logger"
	"github.com/comigor/completer/internal/server"
)

func main() {

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	// Initialize LLM client and the retrying caller around it
	transport := llm.NewOpenAITransport(llm.NewClient(cfg.LLM))
	caller := completion.New(transport, *cfg)

	var journal *history.Store
	if cfg.History.Enabled {
		journal = history.Open(cfg.History.DBPath)
		defer journal.Close()
	}

	srv := server.New(caller, journal, cfg.LLM.Model)

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr, "model", cfg.LLM.Model)
	if err := http.ListenAndServe(serverAddr, srv.Routes()); err != nil {
		logger.L.Error("failed to start server", "error", err)
	}
}
