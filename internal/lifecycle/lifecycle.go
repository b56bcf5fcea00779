// Package lifecycle defines the states a case moves through and the events that move it.
//
// The current state lives on the case row. Next builds a state machine positioned at
// that state, fires the event and reports where the machine ended up, so nothing is
// shared between calls.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrymomot/saaskit/pkg/statemachine"
)

// State is a case status.
type State string

// Event triggers a transition between states.
type Event string

const (
	Open        State = "open"
	InProgress  State = "in_progress"
	ReportDraft State = "report_draft"
	Closed      State = "closed"
	Archived    State = "archived"
)

const (
	Start       Event = "start"
	DraftReport Event = "draft_report"
	Finalize    Event = "finalize"
	Reopen      Event = "reopen"
	Archive     Event = "archive"
)

var (
	ErrUnknownState = errors.New("unknown case state")
	ErrUnknownEvent = errors.New("unknown case event")
)

// Facts carries what guards need to know about the case beyond its state.
type Facts struct {
	// HasFinalReport is true when at least one report version of the case is final.
	HasFinalReport bool
}

func (s State) Name() string { return string(s) }

func (e Event) Name() string { return string(e) }

// HasFinalReport passes when the case has a final report version.
func HasFinalReport(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
	facts, ok := data.(Facts)
	return ok && facts.HasFinalReport
}

// Transitions lists every allowed transition of a case.
var Transitions = []statemachine.TransitionDef{
	{From: Open, To: InProgress, Event: Start},
	{From: Open, To: ReportDraft, Event: DraftReport},
	{From: InProgress, To: ReportDraft, Event: DraftReport},
	{From: ReportDraft, To: ReportDraft, Event: DraftReport},
	{From: ReportDraft, To: Closed, Event: Finalize, Guards: []statemachine.Guard{HasFinalReport}},
	{From: Closed, To: InProgress, Event: Reopen},
	{From: Closed, To: Archived, Event: Archive},
}

func machine(from State) (statemachine.StateMachine, error) {
	return statemachine.New(from, statemachine.WithTransitions(Transitions))
}

// IsNoTransition reports whether err says the event has no transition from the state.
func IsNoTransition(err error) bool {
	return statemachine.IsNoTransitionAvailableError(err)
}

// IsRejected reports whether err says every matching transition was blocked by a guard.
func IsRejected(err error) bool {
	return statemachine.IsTransitionRejectedError(err)
}

// Next returns the state a case in from reaches when event fires.
func Next(ctx context.Context, from State, event Event, facts Facts) (State, error) {
	if !from.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, from)
	}
	if !event.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	sm, err := machine(from)
	if err != nil {
		return "", err
	}
	if err := sm.Fire(ctx, event, facts); err != nil {
		return "", err
	}

	return State(sm.Current().Name()), nil
}

// CanFire reports whether event would move a case in from.
func CanFire(ctx context.Context, from State, event Event, facts Facts) bool {
	if !from.Valid() || !event.Valid() {
		return false
	}
	sm, err := machine(from)
	if err != nil {
		return false
	}
	return sm.CanFire(ctx, event, facts)
}

// Available lists the events a client can fire from the given state, ignoring guards.
// Events driven by report versions are left out.
func Available(from State) []Event {
	var events []Event
	for _, t := range Transitions {
		e := Event(t.Event.Name())
		if t.From.Name() != string(from) || e.ReportDriven() {
			continue
		}
		seen := false
		for _, got := range events {
			if got == e {
				seen = true
				break
			}
		}
		if !seen {
			events = append(events, e)
		}
	}
	return events
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Open, InProgress, ReportDraft, Closed, Archived:
		return true
	}
	return false
}

// Terminal reports whether no event leads out of s.
func (s State) Terminal() bool {
	for _, t := range Transitions {
		if t.From.Name() == string(s) {
			return false
		}
	}
	return true
}

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	switch e {
	case Start, DraftReport, Finalize, Reopen, Archive:
		return true
	}
	return false
}

// ReportDriven reports whether e is fired only by report version changes. Creating a
// version fires DraftReport and finalizing the latest version fires Finalize, in the
// same transaction as the version write.
func (e Event) ReportDriven() bool {
	return e == DraftReport || e == Finalize
}

// ParseEvent converts an API value to an Event.
func ParseEvent(s string) (Event, error) {
	e := Event(s)
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
	return e, nil
}
