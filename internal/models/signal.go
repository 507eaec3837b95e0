package models

import (
	"errors"
	"math"
)

// Signal is one time-indexed piece of exogenous information, typically a
// document produced by an external language model for a session step.
type Signal struct {
	Session   string  `json:"session"`
	Step      int     `json:"step"`
	Document  string  `json:"document"`
	Agreement float64 `json:"agreement"` // share of sources consistent with the realised dividend, in [0,1]
	Direction float64 `json:"direction"` // expected price direction, in [-1,1]
}

// Validate checks signal field constraints.
func (s *Signal) Validate() error {
	if s.Session == "" {
		return errors.New("signal session must not be empty")
	}
	if s.Step < 0 {
		return errors.New("signal step must not be negative")
	}
	if s.Agreement < 0 || s.Agreement > 1 || math.IsNaN(s.Agreement) {
		return errors.New("signal agreement must be between 0.0 and 1.0")
	}
	if s.Direction < -1 || s.Direction > 1 || math.IsNaN(s.Direction) {
		return errors.New("signal direction must be between -1.0 and 1.0")
	}
	return nil
}
