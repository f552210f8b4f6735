package allocation

import (
	"fmt"
	"strings"
)

// Source is the origin category of an allocation request. It is the only
// input to priority scoring; the service never judges medical urgency itself.
type Source string

const (
	SourceEmergency    Source = "emergency"
	SourcePaidPriority Source = "paid_priority"
	SourceFollowUp     Source = "follow_up"
	SourceOnline       Source = "online"
	SourceWalkIn       Source = "walk_in"
)

var sourceScores = map[Source]int{
	SourceEmergency:    100,
	SourcePaidPriority: 80,
	SourceFollowUp:     60,
	SourceOnline:       40,
	SourceWalkIn:       20,
}

// Score returns the fixed priority score for a source, higher meaning more
// urgent. Unknown sources score 0 and are rejected by ParseSource before
// they reach scoring.
func (s Source) Score() int {
	return sourceScores[s]
}

func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := sourceScores[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
	}
	return s, nil
}

// rankBefore is the queue ordering: higher score first, ties broken by the
// earlier-created request. Equal score and equal creation time fall back to
// ID so the order is total.
func rankBefore(a, b *WaitingEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// displaceBefore orders admitted requests by who gives up a slot first:
// lowest score first, and among equal scores the latest admission, so
// earlier arrivals keep their claim.
func displaceBefore(a, b *AllocationRequest) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
