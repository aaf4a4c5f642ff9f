package scheduling

import (
	"context"
	"time"
)

// DefaultMaxConcurrent is the slot capacity used when a caller passes zero.
const DefaultMaxConcurrent = 5

// SlotCheck is the outcome of a capacity check. Conflict is advisory: the
// caller decides whether to proceed.
type SlotCheck struct {
	When     time.Time `json:"when"`
	Active   int       `json:"active"`
	Max      int       `json:"max"`
	Conflict bool      `json:"conflict"`
}

// ConflictPolicy decides when a slot is full.
type ConflictPolicy struct {
	counter    SlotCounter
	defaultMax int
}

// NewConflictPolicy builds a policy over counter. defaultMax <= 0 falls back
// to DefaultMaxConcurrent.
func NewConflictPolicy(counter SlotCounter, defaultMax int) *ConflictPolicy {
	if defaultMax <= 0 {
		defaultMax = DefaultMaxConcurrent
	}
	return &ConflictPolicy{counter: counter, defaultMax: defaultMax}
}

func (p *ConflictPolicy) resolveMax(max int) int {
	if max <= 0 {
		return p.defaultMax
	}
	return max
}

// Check counts active appointments at when, skipping excludeID.
func (p *ConflictPolicy) Check(ctx context.Context, caps *Capabilities, when time.Time, excludeID int64, max int) (*SlotCheck, error) {
	max = p.resolveMax(max)
	n, err := p.counter.CountActiveAt(ctx, caps, when, excludeID)
	if err != nil {
		return nil, storageErr("count active appointments", err)
	}
	return &SlotCheck{When: when, Active: n, Max: max, Conflict: n >= max}, nil
}

// HasConflict reports whether at least max active appointments already
// occupy when.
func (p *ConflictPolicy) HasConflict(ctx context.Context, caps *Capabilities, when time.Time, excludeID int64, max int) (bool, error) {
	check, err := p.Check(ctx, caps, when, excludeID, max)
	if err != nil {
		return false, err
	}
	return check.Conflict, nil
}
