package script

import (
	"fmt"
	"math/rand"
)

// Selector decides whether a step runs in a given iteration. Selectors are
// per-VU and not safe for concurrent use.
type Selector interface {
	Pick(iteration int64) bool
}

type always struct{}

func (always) Pick(int64) bool { return true }

// Probability picks an iteration with probability P. With a fixed seed the
// sequence of decisions for a VU is reproducible.
type Probability struct {
	P   float64
	rng *rand.Rand
}

// Pick draws once per call.
func (p *Probability) Pick(int64) bool {
	return p.rng.Float64() < p.P
}

// EveryN picks every N-th iteration, starting with the first.
type EveryN struct {
	N int64
}

// Pick reports whether iteration is a multiple of N.
func (e EveryN) Pick(iteration int64) bool {
	return iteration%e.N == 0
}

// SelectorSpec is the declarative form of a selector.
type SelectorSpec struct {
	Probability float64 `yaml:"probability,omitempty" json:"probability,omitempty"`
	Every       int     `yaml:"every,omitempty" json:"every,omitempty"`
}

// Validate checks the spec.
func (s SelectorSpec) Validate() error {
	if s.Probability < 0 || s.Probability > 1 {
		return fmt.Errorf("probability %v out of range [0, 1]", s.Probability)
	}
	if s.Every < 0 {
		return fmt.Errorf("every must not be negative, got %d", s.Every)
	}
	if s.Probability > 0 && s.Every > 0 {
		return fmt.Errorf("probability and every are mutually exclusive")
	}
	return nil
}

// NewSelector builds the selector for one VU. stream distinguishes selectors of
// different steps so they do not share a random sequence.
func NewSelector(spec SelectorSpec, seed int64, vu, stream int) Selector {
	switch {
	case spec.Every > 1:
		return EveryN{N: int64(spec.Every)}
	case spec.Probability > 0 && spec.Probability < 1:
		src := rand.NewSource(seed ^ int64(vu)*1_000_003 ^ int64(stream)*7_919)
		return &Probability{P: spec.Probability, rng: rand.New(src)} //nolint:gosec
	default:
		return always{}
	}
}
