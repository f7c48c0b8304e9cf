// Package bdd provides Given-When-Then fixtures for event-sourced aggregates.
// A fixture replays the given events, runs one command through
// ProcessCommand and checks the events it returns, without a store.
package bdd

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/AshkanYarmoradi/go-rpkica"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// Fixture runs one command against an aggregate in a known state.
type Fixture[C rpkica.CommandDetails, E rpkica.EventDetails] struct {
	t         TB
	ctx       context.Context
	aggregate rpkica.Aggregate[C, E]
	events    []E
	err       error
	executed  bool
}

// Given applies events to aggregate, which must be freshly initialized.
// Each event is applied at the aggregate's current version.
func Given[C rpkica.CommandDetails, E rpkica.EventDetails](t TB, aggregate rpkica.Aggregate[C, E], events ...E) *Fixture[C, E] {
	t.Helper()
	for _, e := range events {
		if err := aggregate.Apply(rpkica.NewStoredEvent(aggregate.Handle(), aggregate.Version(), e)); err != nil {
			t.Fatalf("bdd: apply given %T at version %d: %v", e, aggregate.Version(), err)
			break
		}
	}
	return &Fixture[C, E]{t: t, ctx: context.Background(), aggregate: aggregate}
}

// WithContext sets the context passed to ProcessCommand.
func (f *Fixture[C, E]) WithContext(ctx context.Context) *Fixture[C, E] {
	f.ctx = ctx
	return f
}

// When processes cmd at the aggregate's current version. Events it returns
// are applied, so the aggregate reflects the outcome afterwards.
func (f *Fixture[C, E]) When(cmd C) *Fixture[C, E] {
	f.t.Helper()
	sent := rpkica.NewSentCommand(f.aggregate.Handle(), f.aggregate.Version(), cmd)
	f.events, f.err = f.aggregate.ProcessCommand(f.ctx, sent)
	f.executed = true
	if f.err != nil {
		return f
	}
	for _, e := range f.events {
		if err := f.aggregate.Apply(rpkica.NewStoredEvent(f.aggregate.Handle(), f.aggregate.Version(), e)); err != nil {
			f.t.Fatalf("bdd: aggregate rejected its own %T: %v", e, err)
			break
		}
	}
	return f
}

// ran reports whether When was called and, for succeeded, whether the
// command was accepted. Failures are reported to t.
func (f *Fixture[C, E]) ran(step string, succeeded bool) bool {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When()", step)
		return false
	}
	if succeeded && f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
		return false
	}
	if !succeeded && f.err == nil {
		f.t.Fatal("Expected error but got success")
		return false
	}
	return true
}

// Then asserts that the command produced exactly the expected events.
func (f *Fixture[C, E]) Then(expected ...E) *Fixture[C, E] {
	f.t.Helper()
	if !f.ran("Then", true) {
		return f
	}
	if len(f.events) != len(expected) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), len(f.events), expected, f.events)
		return f
	}
	for i := range expected {
		if !reflect.DeepEqual(f.events[i], expected[i]) {
			f.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v", i, expected[i], f.events[i])
		}
	}
	return f
}

// ThenTypes asserts the event types in order, ignoring their contents.
func (f *Fixture[C, E]) ThenTypes(expected ...E) *Fixture[C, E] {
	f.t.Helper()
	if !f.ran("ThenTypes", true) {
		return f
	}
	if len(f.events) != len(expected) {
		f.t.Fatalf("Expected %d events, got %d: %+v", len(expected), len(f.events), f.events)
		return f
	}
	for i := range expected {
		if want, got := reflect.TypeOf(expected[i]), reflect.TypeOf(f.events[i]); want != got {
			f.t.Errorf("Event %d: expected %v, got %v", i, want, got)
		}
	}
	return f
}

// ThenNoEvents asserts that the command was accepted as a no-op.
func (f *Fixture[C, E]) ThenNoEvents() *Fixture[C, E] {
	f.t.Helper()
	if !f.ran("ThenNoEvents", true) {
		return f
	}
	if len(f.events) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(f.events), f.events)
	}
	return f
}

// ThenError asserts that the command was rejected with an error matching target.
func (f *Fixture[C, E]) ThenError(target error) {
	f.t.Helper()
	if !f.ran("ThenError", false) {
		return
	}
	if !errors.Is(f.err, target) {
		f.t.Errorf("Expected error %v, got %v", target, f.err)
	}
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *Fixture[C, E]) ThenErrorContains(substring string) {
	f.t.Helper()
	if !f.ran("ThenErrorContains", false) {
		return
	}
	if !strings.Contains(f.err.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.err.Error())
	}
}

// ThenState hands the aggregate to check after the command ran.
func (f *Fixture[C, E]) ThenState(check func(aggregate rpkica.Aggregate[C, E])) {
	f.t.Helper()
	if f.ran("ThenState", true) {
		check(f.aggregate)
	}
}

// Events returns the events produced by When.
func (f *Fixture[C, E]) Events() []E { return f.events }

// Err returns the error returned by When.
func (f *Fixture[C, E]) Err() error { return f.err }
