// Package bot wires the chat transport to the memory store: every room
// event becomes an identity heartbeat, messages feed the profile and
// memory extractors, and replies are generated with the user's stored
// context injected.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kotori-bot/kotori/internal/chat"
	"github.com/kotori-bot/kotori/internal/embedding"
	"github.com/kotori-bot/kotori/internal/llm"
	"github.com/kotori-bot/kotori/internal/logging"
	"github.com/kotori-bot/kotori/internal/profile"
	"github.com/kotori-bot/kotori/internal/store"
)

// Sender posts a message back to the room.
type Sender interface {
	Send(text string) error
}

// Bot is the reply pipeline.
type Bot struct {
	Name     string
	store    *store.Store
	llm      *llm.Client
	embedder *embedding.Client
	sender   Sender

	// MemoryLimit caps how many stored memories go into a reply prompt.
	MemoryLimit int
	// CallTimeout bounds each individual LLM/embedding call.
	CallTimeout time.Duration
	// SummaryEvery refreshes the room summary after this many messages.
	SummaryEvery int

	recent   []string
	msgCount int
}

// New creates the bot. embedder may be nil; memories are then stored
// without vectors.
func New(name string, s *store.Store, l *llm.Client, e *embedding.Client, sender Sender) *Bot {
	return &Bot{
		Name:         name,
		store:        s,
		llm:          l,
		embedder:     e,
		sender:       sender,
		MemoryLimit:  10,
		CallTimeout:  60 * time.Second,
		SummaryEvery: 30,
	}
}

// HandleEvent processes one room event. Every event with an identity is a
// heartbeat; messages additionally run extraction and maybe a reply.
func (b *Bot) HandleEvent(ev chat.Event) {
	if ev.TripCode != "" || ev.RoomID != "" {
		if err := b.store.Heartbeat(ev.RoomID, ev.TripCode, ev.Name, ev.Time); err != nil {
			logging.Warn("bot", "heartbeat failed: %v", err)
		}
	}
	if ev.Type != "message" || ev.Text == "" || ev.TripCode == "" {
		return
	}
	if ev.Name == b.Name {
		return // own echo
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.CallTimeout)
	defer cancel()

	b.learnFrom(ctx, ev)
	b.trackRoom(ctx, ev)

	if !b.addressed(ev.Text) {
		return
	}
	reply, err := b.composeReply(ctx, ev)
	if err != nil {
		logging.Warn("bot", "reply failed: %v", err)
		return
	}
	if reply == "" || b.sender == nil {
		return
	}
	if err := b.sender.Send(reply); err != nil {
		logging.Warn("bot", "send failed: %v", err)
	}
}

// addressed reports whether the message is talking to the bot.
func (b *Bot) addressed(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, strings.ToLower(b.Name)) ||
		strings.Contains(lower, "@"+strings.ToLower(b.Name))
}

// learnFrom runs the profile and memory extractors on a message and
// persists what survives validation. Extraction failures are logged and
// dropped; learning must never break the chat loop.
func (b *Bot) learnFrom(ctx context.Context, ev chat.Event) {
	frag, err := b.llm.ExtractProfile(ctx, ev.Text)
	if err != nil {
		logging.Debug("bot", "profile extraction failed for %s: %v", ev.TripCode, err)
	} else {
		frag = profile.VerifyAgainstSource(frag, ev.Text)
		old, err := b.store.GetProfile(ev.TripCode)
		if err == nil {
			merged := profile.Merge(old, frag, ev.Name, ev.Time)
			if err := b.store.PutProfile(ev.TripCode, &merged, ev.Time); err != nil {
				logging.Warn("bot", "profile write failed for %s: %v", ev.TripCode, err)
			}
		}
	}

	facts, err := b.llm.ExtractFacts(ctx, ev.Text)
	if err != nil {
		logging.Debug("bot", "fact extraction failed for %s: %v", ev.TripCode, err)
		return
	}
	for _, f := range facts {
		var emb []float64
		if b.embedder != nil {
			if emb, err = b.embedder.Embed(ctx, f.Text); err != nil {
				logging.Debug("bot", "embed failed, storing without vector: %v", err)
				emb = nil
			}
		}
		_, err := b.store.Insert(store.Memory{
			RoomID:     ev.RoomID,
			TripCode:   ev.TripCode,
			Text:       f.Text,
			Tags:       f.Tags,
			Importance: store.CoerceImportance(f.Importance, store.DefaultImportance),
			TTLDays:    store.CoerceTTLDays(f.TTLDays),
		}, emb)
		if err != nil {
			logging.Warn("bot", "memory insert failed: %v", err)
		}
	}
}

// trackRoom buffers recent room traffic and opportunistically refreshes the
// stored room summary. HandleEvent is called from a single chat session
// goroutine, so no locking here.
func (b *Bot) trackRoom(ctx context.Context, ev chat.Event) {
	b.recent = append(b.recent, fmt.Sprintf("%s: %s", ev.Name, ev.Text))
	if len(b.recent) > b.SummaryEvery {
		b.recent = b.recent[1:]
	}
	b.msgCount++
	if b.SummaryEvery <= 0 || b.msgCount%b.SummaryEvery != 0 {
		return
	}
	summary, err := b.llm.SummarizeRoom(ctx, b.recent)
	if err != nil || summary == "" {
		logging.Debug("bot", "room summary refresh failed: %v", err)
		return
	}
	if err := b.store.SetRoomSummary(ev.RoomID, summary, ev.Time); err != nil {
		logging.Warn("bot", "room summary write failed: %v", err)
	}
}

const replySystem = `You are %s, a regular in this chat room. Reply in the
room's language, short and casual. Use what you know about the user
naturally; never recite it. If no reply is warranted, answer exactly PASS.`

// composeReply builds the prompt from stored context and asks the model.
func (b *Bot) composeReply(ctx context.Context, ev chat.Event) (string, error) {
	var sb strings.Builder

	if room, err := b.store.GetRoom(ev.RoomID); err == nil && room != nil && room.Summary != "" {
		fmt.Fprintf(&sb, "Room context: %s\n", room.Summary)
	}
	if p, err := b.store.GetProfile(ev.TripCode); err == nil && p != nil {
		fmt.Fprintf(&sb, "User profile: %s\n", describeProfile(p))
	}
	if d, err := b.store.GetDigest(ev.TripCode); err == nil && d != nil {
		for _, h := range d.Highlights {
			fmt.Fprintf(&sb, "Known: %s\n", h)
		}
	}

	memories, err := b.store.ListByUser(ev.TripCode, 1, b.MemoryLimit)
	if err == nil && len(memories) > 0 {
		ids := make([]string, 0, len(memories))
		for _, m := range memories {
			fmt.Fprintf(&sb, "Memory: %s\n", m.Text)
			ids = append(ids, m.ID)
		}
		if err := b.store.MarkUsed(ids, ev.Time); err != nil {
			logging.Debug("bot", "mark used failed: %v", err)
		}
	}

	fmt.Fprintf(&sb, "\n%s says: %s", ev.Name, ev.Text)
	return b.llm.Reply(ctx, fmt.Sprintf(replySystem, b.Name), sb.String())
}

func describeProfile(p *profile.Profile) string {
	var parts []string
	appendIf := func(label string, v *string) {
		if v != nil && *v != "" {
			parts = append(parts, label+"="+*v)
		}
	}
	appendIf("name", p.CommonName)
	appendIf("language", p.Language)
	appendIf("location", p.Location)
	appendIf("identity", p.Identity)
	if len(p.Likes) > 0 {
		parts = append(parts, "likes: "+strings.Join(p.Likes, ", "))
	}
	if len(p.Dislikes) > 0 {
		parts = append(parts, "dislikes: "+strings.Join(p.Dislikes, ", "))
	}
	return strings.Join(parts, "; ")
}
