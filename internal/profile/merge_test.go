package profile

import (
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func TestMergeScalarsNilMeansNotMentioned(t *testing.T) {
	now := time.Now()
	old := &Profile{
		CommonName: strp("Liam"),
		Language:   strp("en"),
		Likes:      []string{"tea"},
	}

	merged := Merge(old, Fragment{Location: strp("Tokyo")}, "liam_", now)

	if merged.CommonName == nil || *merged.CommonName != "Liam" {
		t.Errorf("Nil fragment scalar cleared common name: %+v", merged.CommonName)
	}
	if merged.Language == nil || *merged.Language != "en" {
		t.Errorf("Nil fragment scalar cleared language: %+v", merged.Language)
	}
	if merged.Location == nil || *merged.Location != "Tokyo" {
		t.Errorf("New scalar not applied: %+v", merged.Location)
	}
	if merged.DisplayName != "liam_" || !merged.UpdatedAt.Equal(now) {
		t.Errorf("Display name or timestamp not set: %+v", merged)
	}

	// Blank strings are noise, not a clear instruction.
	merged = Merge(old, Fragment{CommonName: strp("   ")}, "liam_", now)
	if merged.CommonName == nil || *merged.CommonName != "Liam" {
		t.Errorf("Blank scalar cleared common name: %+v", merged.CommonName)
	}
}

func TestMergeIsPureAndIdempotent(t *testing.T) {
	now := time.Now()
	old := &Profile{CommonName: strp("Liam"), Likes: []string{"tea", "birds"}}
	frag := Fragment{Likes: []string{"Tea", "hiking"}, Location: strp("Tokyo")}

	first := Merge(old, frag, "liam_", now)
	second := Merge(&first, frag, "liam_", now)

	if len(second.Likes) != len(first.Likes) {
		t.Errorf("Merging the same fragment twice grew likes: %v then %v", first.Likes, second.Likes)
	}
	// Original casing of the earliest occurrence wins.
	if first.Likes[0] != "tea" {
		t.Errorf("Expected original casing kept, got %v", first.Likes)
	}
	// Inputs untouched.
	if len(old.Likes) != 2 || *old.CommonName != "Liam" {
		t.Errorf("Merge mutated its input: %+v", old)
	}
}

func TestMergeFromNilProfile(t *testing.T) {
	merged := Merge(nil, Fragment{Likes: []string{"tea"}}, "liam_", time.Now())
	if len(merged.Likes) != 1 || merged.Likes[0] != "tea" {
		t.Errorf("Merge into empty profile failed: %+v", merged)
	}
}

func TestMergeFiltersNoise(t *testing.T) {
	frag := Fragment{
		Likes:    []string{"你", "I", "@bot", "你@liam", "you@example", "green tea"},
		Dislikes: []string{"them", "わたし", "spiders"},
	}
	merged := Merge(nil, frag, "liam_", time.Now())

	if len(merged.Likes) != 1 || merged.Likes[0] != "green tea" {
		t.Errorf("Expected only the real like to survive, got %v", merged.Likes)
	}
	if len(merged.Dislikes) != 1 || merged.Dislikes[0] != "spiders" {
		t.Errorf("Expected only the real dislike to survive, got %v", merged.Dislikes)
	}

	// Noise already persisted in an old profile is filtered on the way out too.
	old := &Profile{Likes: []string{"你", "tea"}}
	merged = Merge(old, Fragment{}, "liam_", time.Now())
	if len(merged.Likes) != 1 || merged.Likes[0] != "tea" {
		t.Errorf("Expected stored noise scrubbed, got %v", merged.Likes)
	}
}

func TestVerifyAgainstSource(t *testing.T) {
	frag := Fragment{
		CommonName: strp("Liam"),
		Likes:      []string{"green tea", "skydiving"},
		Dislikes:   []string{"Mondays"},
	}
	verified := VerifyAgainstSource(frag, "i love Green Tea, and honestly mondays are the worst")

	if len(verified.Likes) != 1 || verified.Likes[0] != "green tea" {
		t.Errorf("Expected unsupported like dropped, got %v", verified.Likes)
	}
	if len(verified.Dislikes) != 1 || verified.Dislikes[0] != "Mondays" {
		t.Errorf("Expected case-insensitive match kept, got %v", verified.Dislikes)
	}
	// Scalars pass through unverified.
	if verified.CommonName == nil || *verified.CommonName != "Liam" {
		t.Errorf("Scalar should pass through, got %+v", verified.CommonName)
	}
}
