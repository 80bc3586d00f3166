// Package consolidate compresses each user's accumulated raw memories into
// a durable digest, then prunes the low-importance leftovers.
package consolidate

import (
	"context"
	"sort"
	"time"

	"github.com/kotori-bot/kotori/internal/logging"
	"github.com/kotori-bot/kotori/internal/profile"
	"github.com/kotori-bot/kotori/internal/store"
)

// Summarizer is the external memory-digesting service. Implementations are
// expected to return a best-effort digest; malformed model output should
// decode to an empty digest, not an error.
type Summarizer interface {
	SummarizeMemories(ctx context.Context, tripCode string, memories []store.Memory, now time.Time) (profile.Digest, error)
}

// UserError records a summarizer failure for one user.
type UserError struct {
	TripCode string `json:"trip_code"`
	Error    string `json:"error"`
}

// Report is the structured outcome of one consolidation pass. A pass always
// produces a report, even when some users failed.
type Report struct {
	ProcessedUsers int              `json:"processed_users"`
	UpdatedUsers   int              `json:"updated_users"`
	SkippedUsers   int              `json:"skipped_users"`
	Errors         []UserError      `json:"errors,omitempty"`
	Prune          store.PruneStats `json:"prune"`
	Duration       time.Duration    `json:"duration"`
}

// Pipeline runs consolidation passes against the store.
type Pipeline struct {
	store      *store.Store
	summarizer Summarizer

	// MinImportance filters which memories feed a user's digest.
	MinImportance int
	// MaxPerUser caps how many memories one summarizer call sees.
	MaxPerUser int
	// PruneFloor is the importance below which user-owned memories are
	// deleted after digesting.
	PruneFloor int
}

// New creates a pipeline with the default thresholds.
func New(s *store.Store, summarizer Summarizer) *Pipeline {
	return &Pipeline{
		store:         s,
		summarizer:    summarizer,
		MinImportance: 1,
		MaxPerUser:    50,
		PruneFloor:    3,
	}
}

// Run performs one consolidation pass: group memories by user, summarize
// and upsert a digest per user, then prune once. Summarizer calls are
// awaited sequentially, one user at a time, which bounds memory use and
// gives natural backpressure against summarizer rate limits. One user's
// failure never aborts the batch; it is recorded and the pass continues.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	grouped, err := p.store.ListGroupedForDigest(p.MinImportance, p.MaxPerUser)
	if err != nil {
		return nil, err
	}

	// Stable order so repeated passes behave the same.
	trips := make([]string, 0, len(grouped))
	for trip := range grouped {
		trips = append(trips, trip)
	}
	sort.Strings(trips)

	for _, trip := range trips {
		memories := grouped[trip]
		report.ProcessedUsers++

		now := time.Now()
		digest, err := p.summarizer.SummarizeMemories(ctx, trip, memories, now)
		if err != nil {
			logging.Info("consolidate", "summarize failed for %s: %v", trip, err)
			report.SkippedUsers++
			report.Errors = append(report.Errors, UserError{TripCode: trip, Error: err.Error()})
			continue
		}

		normalized := digest.Normalize(now)
		if err := p.store.PutDigest(trip, &normalized, now); err != nil {
			logging.Info("consolidate", "digest write failed for %s: %v", trip, err)
			report.SkippedUsers++
			report.Errors = append(report.Errors, UserError{TripCode: trip, Error: err.Error()})
			continue
		}
		report.UpdatedUsers++
		logging.Debug("consolidate", "updated digest for %s (%d memories)", trip, len(memories))
	}

	// Prune once after all users, success or not. Already-written digests
	// stay valid even when pruning fails.
	prune, err := p.store.PruneBelowImportance(p.PruneFloor)
	if err != nil {
		logging.Info("consolidate", "prune failed: %v", err)
	}
	report.Prune = prune

	report.Duration = time.Since(start)
	logging.Info("consolidate", "pass done: %d processed, %d updated, %d skipped, %d pruned (%.1fs)",
		report.ProcessedUsers, report.UpdatedUsers, report.SkippedUsers,
		report.Prune.PrunedMemories, report.Duration.Seconds())
	return report, nil
}
