package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kotori-bot/kotori/internal/bot"
	"github.com/kotori-bot/kotori/internal/chat"
	"github.com/kotori-bot/kotori/internal/config"
	"github.com/kotori-bot/kotori/internal/consolidate"
	"github.com/kotori-bot/kotori/internal/embedding"
	"github.com/kotori-bot/kotori/internal/httpapi"
	"github.com/kotori-bot/kotori/internal/llm"
	"github.com/kotori-bot/kotori/internal/store"
)

func main() {
	configPath := flag.String("config", "kotori.yaml", "Path to config file")
	flag.Parse()

	log.Println("kotori - chat room bot with durable memory")

	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, using environment variables")
	} else {
		log.Println("[config] Loaded .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Printf("[main] store open at %s (vector mode: %s)", cfg.DBPath, st.Mode())

	// Startup maintenance: sweep expired memories and orphaned vectors.
	if stats, err := st.CleanupExpiredAndOrphans(); err != nil {
		log.Printf("[main] startup cleanup failed: %v", err)
	} else if stats.ExpiredMemories+stats.OrphanVectors > 0 {
		log.Printf("[main] startup cleanup: %d expired, %d orphan vectors", stats.ExpiredMemories, stats.OrphanVectors)
	}

	var llmClient *llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient, err = llm.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model)
		if err != nil {
			log.Fatalf("Failed to create LLM client: %v", err)
		}
	} else {
		log.Println("[main] no LLM API key; replies and extraction disabled")
	}
	embedder := embedding.NewClient(cfg.Embedding.URL, cfg.Embedding.Model)

	var pipeline *consolidate.Pipeline
	if llmClient != nil {
		pipeline = consolidate.New(st, llmClient)
		pipeline.MinImportance = cfg.Consolidation.MinImportance
		pipeline.MaxPerUser = cfg.Consolidation.MaxPerUser
		pipeline.PruneFloor = cfg.Consolidation.PruneFloor
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// HTTP API
	_, engine := httpapi.New(st, pipeline)
	httpServer := &http.Server{Addr: cfg.HTTP.Listen, Handler: engine}
	go func() {
		log.Printf("[main] HTTP API listening on %s", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] HTTP server error: %v", err)
		}
	}()

	// Chat client with the reply pipeline attached.
	if cfg.Chat.URL != "" && llmClient != nil {
		client := chat.NewClient(cfg.Chat.URL, cfg.Chat.RoomID, cfg.Chat.Name, cfg.Chat.TripCode, nil)
		b := bot.New(cfg.Chat.Name, st, llmClient, embedder, client)
		client.SetHandler(b.HandleEvent)
		go func() {
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[main] chat client stopped: %v", err)
			}
		}()
	} else {
		log.Println("[main] chat disabled (no chat URL or LLM key); HTTP API only")
	}

	// Periodic consolidation.
	if pipeline != nil {
		go func() {
			ticker := time.NewTicker(cfg.Consolidation.Interval.Std())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := pipeline.Run(ctx); err != nil {
						log.Printf("[main] consolidation pass failed: %v", err)
					}
				}
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[main] shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
