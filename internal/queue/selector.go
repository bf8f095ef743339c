package queue

import (
	"fmt"

	"github.com/Swaathy05/new-queue-hack/internal/models"
)

// Candidate is a station considered for a new arrival together with the
// number of entries currently waiting at it.
type Candidate struct {
	Station models.Station
	Waiting int
}

type Assignment struct {
	Station  models.Station
	Position int
}

// Select picks the active station with the fewest waiting entries, breaking
// ties by the lowest station number. It has no side effects.
func Select(candidates []Candidate) (Assignment, error) {
	var best *Candidate
	for i := range candidates {
		candidate := &candidates[i]
		if !candidate.Station.Active {
			continue
		}
		if best == nil ||
			candidate.Waiting < best.Waiting ||
			(candidate.Waiting == best.Waiting && candidate.Station.Number < best.Station.Number) {
			best = candidate
		}
	}
	if best == nil {
		return Assignment{}, fmt.Errorf("%w: none of %d stations is active", ErrNoCapacity, len(candidates))
	}
	return Assignment{Station: best.Station, Position: best.Waiting + 1}, nil
}
