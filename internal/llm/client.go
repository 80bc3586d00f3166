// Package llm wraps the OpenAI-compatible chat completion API behind the
// three contracts the bot needs: memory digesting, profile extraction, and
// reply generation. Model output is treated as untrusted JSON everywhere.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kotori-bot/kotori/internal/logging"
	"github.com/kotori-bot/kotori/internal/profile"
	"github.com/kotori-bot/kotori/internal/store"
)

// DefaultModel is the default chat completion model.
const DefaultModel = "gpt-4o-mini"

// Client is an OpenAI-compatible chat completion client.
type Client struct {
	client *openai.Client
	model  string
}

// New creates a client. baseURL may be empty for the default endpoint, or
// point at any OpenAI-compatible server.
func New(apiKey, baseURL, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// extractJSON pulls the first JSON object out of a model response that may
// be wrapped in prose or code fences.
func extractJSON(s string) []byte {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil
	}
	return []byte(s[start : end+1])
}

const summarizeSystem = `You compress a chat user's memory facts into a digest.
Reply with ONLY a JSON object:
{"highlights": ["..."], "ongoing_threads": [{"topic": "...", "status": "...", "note": "..."}], "stable_preferences": ["..."]}
highlights: the most durable facts worth remembering long-term.
ongoing_threads: unresolved topics the user keeps returning to.
stable_preferences: likes/dislikes that look permanent.
Keep every entry short. Omit anything ephemeral.`

// SummarizeMemories asks the model to digest one user's memories. Transport
// failures are errors; a malformed or non-JSON response is treated as an
// empty digest, not an error.
func (c *Client) SummarizeMemories(ctx context.Context, tripCode string, memories []store.Memory, now time.Time) (profile.Digest, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User %s, %s. Memory facts:\n", tripCode, now.Format("2006-01-02"))
	for _, m := range memories {
		fmt.Fprintf(&b, "- [importance %d] %s\n", m.Importance, m.Text)
	}

	out, err := c.complete(ctx, summarizeSystem, b.String())
	if err != nil {
		return profile.Digest{}, err
	}

	raw := extractJSON(out)
	if raw == nil {
		logging.Debug("llm", "summarizer returned no JSON for %s: %s", tripCode, logging.Truncate(out, 120))
		return profile.Digest{}, nil
	}
	var d profile.Digest
	if err := json.Unmarshal(raw, &d); err != nil {
		logging.Debug("llm", "summarizer JSON malformed for %s: %v", tripCode, err)
		return profile.Digest{}, nil
	}
	return d, nil
}

const extractProfileSystem = `You extract profile facts a chat user states about THEMSELVES.
Reply with ONLY a JSON object:
{"common_name": null, "language": null, "location": null, "identity": null, "likes": [], "dislikes": []}
Use null for any scalar the message does not mention. likes/dislikes must be
short phrases copied verbatim from the message. Never invent anything.`

// ExtractProfile asks the model for a profile fragment from one message.
// The caller re-validates the result; this returns it as-is.
func (c *Client) ExtractProfile(ctx context.Context, text string) (profile.Fragment, error) {
	out, err := c.complete(ctx, extractProfileSystem, text)
	if err != nil {
		return profile.Fragment{}, err
	}
	raw := extractJSON(out)
	if raw == nil {
		return profile.Fragment{}, nil
	}
	var frag profile.Fragment
	if err := json.Unmarshal(raw, &frag); err != nil {
		return profile.Fragment{}, nil
	}
	return frag, nil
}

// Fact is one memory fact the extractor found in a message. Importance and
// TTL come back loosely typed and get coerced by the caller.
type Fact struct {
	Text       string   `json:"text"`
	Tags       []string `json:"tags"`
	Importance any      `json:"importance"`
	TTLDays    any      `json:"ttl_days"`
}

const extractMemoriesSystem = `You extract durable facts worth remembering from a chat message.
Reply with ONLY a JSON object:
{"facts": [{"text": "...", "tags": ["..."], "importance": 5, "ttl_days": null}]}
importance is 1-10 (10 = defining fact about the user). ttl_days is null for
facts that stay true, or a day count for time-limited ones. Return
{"facts": []} when nothing is worth remembering.`

// ExtractFacts asks the model for memory facts in one message.
func (c *Client) ExtractFacts(ctx context.Context, text string) ([]Fact, error) {
	out, err := c.complete(ctx, extractMemoriesSystem, text)
	if err != nil {
		return nil, err
	}
	raw := extractJSON(out)
	if raw == nil {
		return nil, nil
	}
	var parsed struct {
		Facts []Fact `json:"facts"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil
	}
	var facts []Fact
	for _, f := range parsed.Facts {
		if strings.TrimSpace(f.Text) == "" {
			continue
		}
		facts = append(facts, f)
	}
	return facts, nil
}

const summarizeRoomSystem = `You summarize the vibe of a chat room from its
recent messages: main topics, tone, running jokes. One short paragraph,
written as notes for someone joining the room. Reply with the summary only.`

// SummarizeRoom condenses recent room messages into a short summary for
// prompt context.
func (c *Client) SummarizeRoom(ctx context.Context, messages []string) (string, error) {
	out, err := c.complete(ctx, summarizeRoomSystem, strings.Join(messages, "\n"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Reply generates a chat reply given the assembled prompt context. An empty
// reply means the model chose not to respond.
func (c *Client) Reply(ctx context.Context, system, prompt string) (string, error) {
	out, err := c.complete(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if strings.EqualFold(out, "PASS") {
		return "", nil
	}
	return out, nil
}
