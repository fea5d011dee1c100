package turns

import (
	"math/rand/v2"
	"sync"

	"github.com/zulandar/parley/internal/models"
)

// Selector picks the next speaker uniformly at random from a roster,
// skipping at most one excluded responder.
type Selector struct {
	mu  sync.Mutex
	rnd *rand.Rand // nil = package-level source
}

// NewSelector returns a Selector. A nil source uses the global generator.
func NewSelector(src rand.Source) *Selector {
	if src == nil {
		return &Selector{}
	}
	return &Selector{rnd: rand.New(src)}
}

// Pick returns a responder other than exclude, or false when none remains.
func (s *Selector) Pick(roster []models.Responder, exclude string) (models.Responder, bool) {
	candidates := make([]models.Responder, 0, len(roster))
	for _, r := range roster {
		if exclude != "" && r.ID == exclude {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return models.Responder{}, false
	}
	return candidates[s.intN(len(candidates))], true
}

func (s *Selector) intN(n int) int {
	if s == nil || s.rnd == nil {
		return rand.IntN(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.IntN(n)
}
