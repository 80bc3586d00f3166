// One-shot consolidation pass: digest every user's memories and prune the
// low-importance leftovers. Meant for cron or manual runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/kotori-bot/kotori/internal/consolidate"
	"github.com/kotori-bot/kotori/internal/llm"
	"github.com/kotori-bot/kotori/internal/store"
)

func main() {
	dbPath := flag.String("db", "state/kotori.db", "Path to memory database")
	minImportance := flag.Int("min-importance", 1, "Minimum importance of memories fed to the summarizer")
	maxPerUser := flag.Int("max-per-user", 50, "Memories per user per summarizer call")
	pruneFloor := flag.Int("prune-floor", 3, "Delete user memories below this importance after digesting")
	dryRun := flag.Bool("dry-run", false, "Print stats without consolidating")
	model := flag.String("model", "", "Chat model override")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	grouped, err := st.ListGroupedForDigest(*minImportance, *maxPerUser)
	if err != nil {
		log.Fatalf("Failed to list memories: %v", err)
	}
	total := 0
	for _, ms := range grouped {
		total += len(ms)
	}
	log.Printf("Database: %s (vector mode: %s)", *dbPath, st.Mode())
	log.Printf("  Users with memories: %d", len(grouped))
	log.Printf("  Memories to digest:  %d", total)

	if *dryRun {
		log.Println("Dry run - exiting")
		return
	}

	client, err := llm.New(os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_BASE_URL"), *model)
	if err != nil {
		log.Fatalf("Failed to create LLM client: %v", err)
	}

	pipeline := consolidate.New(st, client)
	pipeline.MinImportance = *minImportance
	pipeline.MaxPerUser = *maxPerUser
	pipeline.PruneFloor = *pruneFloor

	report, err := pipeline.Run(context.Background())
	if err != nil {
		log.Fatalf("Consolidation failed: %v", err)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	log.Printf("Report:\n%s", out)
	if len(report.Errors) > 0 {
		os.Exit(1)
	}
}
