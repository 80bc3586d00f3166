// MCP stdio server exposing the memory store to LLM agents: remember a
// fact, recall a user's memories, similarity search, read a profile.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kotori-bot/kotori/internal/embedding"
	"github.com/kotori-bot/kotori/internal/store"
)

func main() {
	// Log to stderr so stdout is clean for JSON-RPC.
	log.SetOutput(os.Stderr)
	log.SetPrefix("[kotori-mcp] ")

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	dbPath := os.Getenv("KOTORI_DB_PATH")
	if dbPath == "" {
		dbPath = "state/kotori.db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Printf("Store open at %s (vector mode: %s)", dbPath, st.Mode())

	embedder := embedding.NewClient(os.Getenv("OLLAMA_URL"), os.Getenv("KOTORI_EMBED_MODEL"))

	server := mcpserver.NewMCPServer("kotori memory", "1.0.0")
	registerTools(server, st, embedder)

	log.Println("MCP server starting on stdio...")
	if err := mcpserver.ServeStdio(server); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func registerTools(server *mcpserver.MCPServer, st *store.Store, embedder *embedding.Client) {
	server.AddTool(mcp.Tool{
		Name:        "remember",
		Description: "Store a memory fact about a user or room.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"text":       map[string]any{"type": "string", "description": "The fact to remember"},
				"trip_code":  map[string]any{"type": "string", "description": "Owning user's trip code (optional)"},
				"room_id":    map[string]any{"type": "string", "description": "Room the fact belongs to (optional)"},
				"importance": map[string]any{"type": "number", "description": "1-10, default 5"},
				"ttl_days":   map[string]any{"type": "number", "description": "Days until expiry, omit for permanent"},
			},
			Required: []string{"text"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := request.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text argument is required"), nil
		}
		args := request.GetArguments()
		var emb []float64
		if vec, err := embedder.Embed(ctx, text); err == nil {
			emb = vec
		}
		id, err := st.Insert(store.Memory{
			RoomID:     request.GetString("room_id", ""),
			TripCode:   request.GetString("trip_code", ""),
			Text:       text,
			Importance: store.CoerceImportance(args["importance"], store.DefaultImportance),
			TTLDays:    store.CoerceTTLDays(args["ttl_days"]),
		}, emb)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("insert failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("remembered as %s", id)), nil
	})

	server.AddTool(mcp.Tool{
		Name:        "recall",
		Description: "List a user's memories, most important and most recently used first.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"trip_code":      map[string]any{"type": "string", "description": "User's trip code"},
				"min_importance": map[string]any{"type": "number", "description": "Minimum importance, default 1"},
				"limit":          map[string]any{"type": "number", "description": "Max results, default 20"},
			},
			Required: []string{"trip_code"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		trip, err := request.RequireString("trip_code")
		if err != nil {
			return mcp.NewToolResultError("trip_code argument is required"), nil
		}
		args := request.GetArguments()
		memories, err := st.ListByUser(trip,
			store.CoerceImportance(args["min_importance"], store.MinImportance),
			int(request.GetFloat("limit", 20)))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		return jsonResult(memories)
	})

	server.AddTool(mcp.Tool{
		Name:        "search_memories",
		Description: "Similarity-search memories in a room. Unavailable when the vector index is not loaded.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"room_id":   map[string]any{"type": "string", "description": "Room to search in"},
				"query":     map[string]any{"type": "string", "description": "Free-text query"},
				"trip_code": map[string]any{"type": "string", "description": "Optional user filter"},
				"top_k":     map[string]any{"type": "number", "description": "Max results, default 10"},
			},
			Required: []string{"room_id", "query"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		roomID, err := request.RequireString("room_id")
		if err != nil {
			return mcp.NewToolResultError("room_id argument is required"), nil
		}
		query, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query argument is required"), nil
		}
		emb, err := embedder.Embed(ctx, query)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("embed failed: %v", err)), nil
		}
		results, err := st.SearchBySimilarity(roomID, request.GetString("trip_code", ""),
			emb, int(request.GetFloat("top_k", 10)))
		if errors.Is(err, store.ErrSearchUnsupported) {
			return mcp.NewToolResultError("similarity search unavailable: store is in fallback mode"), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return jsonResult(results)
	})

	server.AddTool(mcp.Tool{
		Name:        "get_profile",
		Description: "Read a user's stored profile and memory digest.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"trip_code": map[string]any{"type": "string", "description": "User's trip code"},
			},
			Required: []string{"trip_code"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		trip, err := request.RequireString("trip_code")
		if err != nil {
			return mcp.NewToolResultError("trip_code argument is required"), nil
		}
		p, err := st.GetProfile(trip)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("profile read failed: %v", err)), nil
		}
		d, err := st.GetDigest(trip)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("digest read failed: %v", err)), nil
		}
		return jsonResult(map[string]any{"profile": p, "digest": d})
	})

	server.AddTool(mcp.Tool{
		Name:        "cleanup",
		Description: "Delete expired memories and orphaned vector entries.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := st.CleanupExpiredAndOrphans()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cleanup failed: %v", err)), nil
		}
		return jsonResult(stats)
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
