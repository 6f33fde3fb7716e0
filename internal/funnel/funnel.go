// Package funnel computes ordered conversion funnels over stored events.
// A funnel is a short ordered list of step predicates; per user we compute
// the highest step reached in order, then aggregate per-step counts,
// conversion and drop-off percentages over a cohort.
package funnel

import (
	"errors"
	"fmt"

	"github.com/onnwee/hitpipe/internal/filter"
)

// MaxSteps caps funnel length. Dashboards build funnels by hand; anything
// past ten steps is a misconfigured client.
const MaxSteps = 10

// Validation errors.
var (
	ErrNoSteps       = errors.New("funnel requires at least one step")
	ErrTooManySteps  = errors.New("funnel exceeds maximum step count")
	ErrNilStepFilter = errors.New("funnel step has no filter")
)

// Step is one ordered predicate in a funnel.
type Step struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Filter filter.Node `json:"filter"`
}

// Validate checks a step list against the funnel shape constraints.
func Validate(steps []Step) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	if len(steps) > MaxSteps {
		return fmt.Errorf("%w: %d > %d", ErrTooManySteps, len(steps), MaxSteps)
	}
	for i, s := range steps {
		if s.Filter == nil {
			return fmt.Errorf("%w: step %d (%s)", ErrNilStepFilter, i, s.Name)
		}
	}
	return nil
}

// Progress returns the number of steps a user has completed in order: the
// largest k such that every step in 0..k-1 matches some event. Steps are
// matched against filter semantics in step order, not event timestamps; a
// user satisfying a later step's predicate without the earlier ones has
// made no progress past the earlier step. Zero means the user is an
// active user who has not completed step one.
func Progress(steps []Step, events []filter.Facts) int {
	completed := 0
	for _, step := range steps {
		if !anyMatch(step.Filter, events) {
			break
		}
		completed++
	}
	return completed
}

func anyMatch(node filter.Node, events []filter.Facts) bool {
	for _, facts := range events {
		if filter.Evaluate(node, facts) {
			return true
		}
	}
	return false
}

// StepResult is the aggregate for one funnel step across a cohort.
type StepResult struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Users      int     `json:"users"`
	Conversion float64 `json:"conversion"`
	DropOff    float64 `json:"dropOff"`
}

// Report is the aggregate result of a funnel over a cohort.
type Report struct {
	ActiveUsers int          `json:"activeUsers"`
	Steps       []StepResult `json:"steps"`
}

// Aggregate evaluates a funnel over a cohort. eventsByUser maps each
// active user to their events (as facts) inside the query window. Funnels
// are read-only derived views; nothing here touches ingestion data.
func Aggregate(steps []Step, eventsByUser map[string][]filter.Facts) (Report, error) {
	if err := Validate(steps); err != nil {
		return Report{}, err
	}

	usersAtStep := make([]int, len(steps))
	for _, events := range eventsByUser {
		reached := Progress(steps, events)
		for i := 0; i < reached; i++ {
			usersAtStep[i]++
		}
	}

	report := Report{
		ActiveUsers: len(eventsByUser),
		Steps:       make([]StepResult, len(steps)),
	}
	for i, step := range steps {
		prev := report.ActiveUsers
		if i > 0 {
			prev = usersAtStep[i-1]
		}
		conversion := ratio(usersAtStep[i], prev)
		report.Steps[i] = StepResult{
			ID:         step.ID,
			Name:       step.Name,
			Users:      usersAtStep[i],
			Conversion: conversion,
			DropOff:    dropOff(conversion, prev),
		}
	}
	return report, nil
}

// ratio returns num/den as a percentage, with an empty denominator
// yielding 0 rather than NaN; an empty previous step is a legitimate
// terminal state.
func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den) * 100
}

func dropOff(conversion float64, prev int) float64 {
	if prev == 0 {
		return 0
	}
	return 100 - conversion
}
