package profile

import (
	"regexp"
	"strings"
	"time"
)

// Bare pronouns that show up as extraction noise in likes/dislikes, in the
// languages the bot sees most.
var noisePronouns = map[string]bool{
	"i": true, "me": true, "my": true, "you": true, "your": true,
	"he": true, "she": true, "it": true, "we": true, "they": true,
	"him": true, "her": true, "them": true, "us": true,
	"你": true, "您": true, "我": true, "他": true, "她": true, "它": true,
	"你们": true, "我们": true, "他们": true, "她们": true,
	"あなた": true, "わたし": true, "私": true, "君": true,
}

// mentionNoise matches bare "@name" mentions and "pronoun@name" run-ons
// like "你@liam" that extractors hand back as preferences.
var mentionNoise = regexp.MustCompile(`^(?:[A-Za-z]{1,4}|\p{Han}{1,3}|\p{Hiragana}{1,4})?@\S+$`)

// Merge folds an extracted fragment into an existing profile. Pure: neither
// input is mutated, and merging the same fragment twice is idempotent.
//
// Scalars are overwritten only when the fragment supplies a non-nil value;
// nil means "not mentioned", not "clear the field". Likes and dislikes are
// unioned case-insensitively with the old values (first occurrence wins,
// original casing preserved) after noise filtering. DisplayName and
// UpdatedAt are always set from the arguments.
func Merge(old *Profile, frag Fragment, displayName string, now time.Time) Profile {
	var merged Profile
	if old != nil {
		merged = *old
	}

	merged.CommonName = pickScalar(merged.CommonName, frag.CommonName)
	merged.Language = pickScalar(merged.Language, frag.Language)
	merged.Location = pickScalar(merged.Location, frag.Location)
	merged.Identity = pickScalar(merged.Identity, frag.Identity)

	var oldLikes, oldDislikes []string
	if old != nil {
		oldLikes = old.Likes
		oldDislikes = old.Dislikes
	}
	merged.Likes = mergeSet(oldLikes, frag.Likes)
	merged.Dislikes = mergeSet(oldDislikes, frag.Dislikes)

	merged.DisplayName = displayName
	merged.UpdatedAt = now
	return merged
}

// VerifyAgainstSource drops fragment list entries that are not a
// case-insensitive substring of the source text. Extractors hallucinate;
// anything not literally present in what the user said is rejected. Scalars
// pass through untouched.
func VerifyAgainstSource(frag Fragment, source string) Fragment {
	lower := strings.ToLower(source)
	verify := func(items []string) []string {
		var kept []string
		for _, item := range items {
			t := strings.TrimSpace(item)
			if t == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(t)) {
				kept = append(kept, item)
			}
		}
		return kept
	}
	frag.Likes = verify(frag.Likes)
	frag.Dislikes = verify(frag.Dislikes)
	return frag
}

func pickScalar(old, new *string) *string {
	if new == nil {
		return old
	}
	if strings.TrimSpace(*new) == "" {
		return old
	}
	v := *new
	return &v
}

// mergeSet unions old and incoming values, deduplicating case-insensitively
// with first occurrence winning, and filtering pronoun/mention noise.
func mergeSet(old, incoming []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		t := strings.TrimSpace(s)
		if t == "" || isNoise(t) {
			return
		}
		key := strings.ToLower(t)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, t)
	}
	for _, s := range old {
		add(s)
	}
	for _, s := range incoming {
		add(s)
	}
	return out
}

func isNoise(s string) bool {
	if noisePronouns[strings.ToLower(s)] {
		return true
	}
	return mentionNoise.MatchString(s)
}
