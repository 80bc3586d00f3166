// Package profile holds the structured per-user records the bot keeps:
// the profile, the extracted fragment shape, and the memory digest, plus
// the pure merge/normalize rules over them.
package profile

import (
	"encoding/json"
	"strings"
	"time"
)

// Profile is the durable per-user record. Scalar fields are nil when never
// mentioned; likes/dislikes are deduplicated string sets.
type Profile struct {
	CommonName  *string   `json:"common_name"`
	Language    *string   `json:"language"`
	Location    *string   `json:"location"`
	Identity    *string   `json:"identity"`
	Likes       []string  `json:"likes"`
	Dislikes    []string  `json:"dislikes"`
	DisplayName string    `json:"display_name,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Fragment is what the external profile extractor returns for one message.
// It is untrusted input: nil scalars mean "not mentioned", not "clear".
type Fragment struct {
	CommonName *string  `json:"common_name"`
	Language   *string  `json:"language"`
	Location   *string  `json:"location"`
	Identity   *string  `json:"identity"`
	Likes      []string `json:"likes"`
	Dislikes   []string `json:"dislikes"`
}

// Digest is the consolidated summary of a user's accumulated memories.
// It is rewritten wholesale by each consolidation pass, never merged
// incrementally.
type Digest struct {
	Highlights        []string  `json:"highlights"`
	OngoingThreads    []Thread  `json:"ongoing_threads"`
	StablePreferences []string  `json:"stable_preferences"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Thread is one ongoing topic in a digest.
type Thread struct {
	Topic  string `json:"topic"`
	Status string `json:"status,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Digest size caps, applied by Normalize.
const (
	MaxHighlights        = 12
	MaxStablePreferences = 12
	MaxOngoingThreads    = 10
)

// DecodeProfile parses stored profile JSON. Malformed data decodes to nil;
// a corrupted row reads as "no profile", never as an error.
func DecodeProfile(raw []byte) *Profile {
	if len(raw) == 0 {
		return nil
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return &p
}

// DecodeDigest parses stored digest JSON, nil on malformed data.
func DecodeDigest(raw []byte) *Digest {
	if len(raw) == 0 {
		return nil
	}
	var d Digest
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	return &d
}

// Normalize returns a copy of d with duplicates removed (case-insensitive,
// first occurrence wins), lists capped, threads with neither topic nor note
// dropped, and UpdatedAt set. Safe on LLM output of any shape.
func (d Digest) Normalize(now time.Time) Digest {
	out := Digest{
		Highlights:        dedupeCap(d.Highlights, MaxHighlights),
		StablePreferences: dedupeCap(d.StablePreferences, MaxStablePreferences),
		UpdatedAt:         now,
	}
	for _, th := range d.OngoingThreads {
		if th.Topic == "" && th.Note == "" {
			continue
		}
		out.OngoingThreads = append(out.OngoingThreads, th)
		if len(out.OngoingThreads) >= MaxOngoingThreads {
			break
		}
	}
	return out
}

// dedupeCap trims blanks, deduplicates case-insensitively (first occurrence
// wins, original casing kept) and caps the result at max entries.
func dedupeCap(items []string, max int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, item := range items {
		t := strings.TrimSpace(item)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if len(out) >= max {
			break
		}
	}
	return out
}
