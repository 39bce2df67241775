package accountpool

import (
	"sort"
	"sync"
	"time"
)

// RoundRobin hands out credentials in a stable per-model rotation. Because
// this gateway talks to a single upstream, the cursor is keyed by model
// only.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// Pick returns the next usable credential for model, skipping operator-
// disabled records and records benched until a future NextRetryAfter.
// Candidates are sorted by ID before indexing so the rotation stays stable
// no matter what order the caller assembled them in.
func (s *RoundRobin) Pick(model string, candidates []*Auth) (*Auth, error) {
	now := time.Now()
	available := make([]*Auth, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if candidate.Disabled || candidate.Status == StatusDisabled {
			continue
		}
		if candidate.Unavailable && candidate.NextRetryAfter.After(now) {
			continue
		}
		available = append(available, candidate)
	}
	if len(available) == 0 {
		if len(candidates) == 0 {
			return nil, &Error{Code: "auth_not_found", Message: "no credentials loaded"}
		}
		return nil, &Error{Code: "auth_unavailable", Message: "all credentials are disabled or benched", Retryable: true}
	}
	sort.Slice(available, func(i, j int) bool { return available[i].ID < available[j].ID })

	s.mu.Lock()
	if s.cursors == nil {
		s.cursors = make(map[string]uint64)
	}
	cursor := s.cursors[model]
	s.cursors[model] = cursor + 1
	s.mu.Unlock()

	return available[cursor%uint64(len(available))], nil
}
