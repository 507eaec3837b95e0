// Package signal holds the exogenous, time-indexed information agents and the
// dividend mechanism read during a simulation.
package signal

import (
	"fmt"
	"os"
	"sort"

	"github.com/bytedance/sonic"

	"github.com/rewired-gh/marketppo/internal/models"
)

// Feed is an immutable index of signals by session and step. It is safe for
// concurrent readers, so isolated simulation instances may share one feed.
type Feed struct {
	bySession map[string][]models.Signal
	total     int
}

// NewFeed validates and indexes signals. Later duplicates of the same
// (session, step) replace earlier ones.
func NewFeed(signals []models.Signal) (*Feed, error) {
	f := &Feed{bySession: make(map[string][]models.Signal)}
	seen := make(map[string]map[int]int)
	for i := range signals {
		s := signals[i]
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("signal %d: %w", i, err)
		}
		if seen[s.Session] == nil {
			seen[s.Session] = make(map[int]int)
		}
		if idx, dup := seen[s.Session][s.Step]; dup {
			f.bySession[s.Session][idx] = s
			continue
		}
		seen[s.Session][s.Step] = len(f.bySession[s.Session])
		f.bySession[s.Session] = append(f.bySession[s.Session], s)
		f.total++
	}
	for _, list := range f.bySession {
		sort.Slice(list, func(i, j int) bool { return list[i].Step < list[j].Step })
	}
	return f, nil
}

// Empty returns a feed without signals; lookups always miss.
func Empty() *Feed {
	return &Feed{bySession: map[string][]models.Signal{}}
}

// LoadFile reads a JSON array of signals.
func LoadFile(path string) (*Feed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signals file: %w", err)
	}
	var signals []models.Signal
	if err := sonic.Unmarshal(data, &signals); err != nil {
		return nil, fmt.Errorf("failed to decode signals file: %w", err)
	}
	return NewFeed(signals)
}

// At returns the latest signal of the session at or before step.
func (f *Feed) At(session string, step int) (models.Signal, bool) {
	list := f.bySession[session]
	i := sort.Search(len(list), func(i int) bool { return list[i].Step > step })
	if i == 0 {
		return models.Signal{}, false
	}
	return list[i-1], true
}

// Agreement returns the current signal agreement, or neutral (0.5) with no signal.
func (f *Feed) Agreement(session string, step int) float64 {
	if s, ok := f.At(session, step); ok {
		return s.Agreement
	}
	return 0.5
}

// Direction returns the current signal direction, or 0 with no signal.
func (f *Feed) Direction(session string, step int) float64 {
	if s, ok := f.At(session, step); ok {
		return s.Direction
	}
	return 0
}

// Len is the number of indexed signals.
func (f *Feed) Len() int { return f.total }

// All returns every signal ordered by session name then step.
func (f *Feed) All() []models.Signal {
	sessions := make([]string, 0, len(f.bySession))
	for s := range f.bySession {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)
	out := make([]models.Signal, 0, f.total)
	for _, s := range sessions {
		out = append(out, f.bySession[s]...)
	}
	return out
}
