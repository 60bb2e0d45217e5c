package types

import "fmt"

// TransitionEvent names the trigger of a state transition.
type TransitionEvent string

const (
	TransFoundEvidence  TransitionEvent = "FOUND_EVIDENCE"
	TransNoEvidence     TransitionEvent = "NO_EVIDENCE"
	TransOutreachSentOK TransitionEvent = "OUTREACH_SENT_OK"
	TransFollowupSentOK TransitionEvent = "FOLLOWUP_SENT_OK"
	TransEscalation     TransitionEvent = "ESCALATION"
	TransResolveOK      TransitionEvent = "RESOLVE_OK"
	TransNoSignal       TransitionEvent = "NO_SIGNAL"
	TransUserReopen     TransitionEvent = "USER_REOPEN"
	TransUserRetry      TransitionEvent = "USER_RETRY"
	TransFailure        TransitionEvent = "FAILURE"
)

type edge struct {
	from  CaseState
	event TransitionEvent
}

// allowedEdges is the full transition table. FAILURE is handled separately:
// it is legal from any state and always lands in ERROR.
var allowedEdges = map[edge]CaseState{
	{StateInboxLookup, TransFoundEvidence}:   StateParsed,
	{StateInboxLookup, TransOutreachSentOK}:  StateOutreachSent,
	{StateOutreachSent, TransFoundEvidence}:  StateParsed,
	{StateOutreachSent, TransNoEvidence}:     StateWaiting,
	{StateWaiting, TransFoundEvidence}:       StateParsed,
	{StateWaiting, TransNoEvidence}:          StateWaiting,
	{StateWaiting, TransFollowupSentOK}:      StateFollowupSent,
	{StateWaiting, TransEscalation}:          StateEscalated,
	{StateFollowupSent, TransFoundEvidence}:  StateParsed,
	{StateFollowupSent, TransNoEvidence}:     StateWaiting,
	{StateParsed, TransResolveOK}:            StateResolved,
	{StateParsed, TransNoSignal}:             StateWaiting,
	{StateResolved, TransUserReopen}:         StateWaiting,
	{StateEscalated, TransUserRetry}:         StateWaiting,
	{StateError, TransUserRetry}:             StateInboxLookup,
}

// NextState resolves the transition table for (from, event). The error is a
// validation failure; callers surface it without mutating the case.
func NextState(from CaseState, event TransitionEvent) (CaseState, error) {
	if event == TransFailure {
		return StateError, nil
	}
	to, ok := allowedEdges[edge{from, event}]
	if !ok {
		return "", fmt.Errorf("illegal transition: %s on %s", event, from)
	}
	return to, nil
}

// CanTransition reports whether (from, event, to) is in the table.
func CanTransition(from CaseState, event TransitionEvent, to CaseState) bool {
	next, err := NextState(from, event)
	return err == nil && next == to
}

// EvidenceBearing reports whether the event carries a content hash whose
// equality makes a repeat call a no-op.
func (e TransitionEvent) EvidenceBearing() bool {
	return e == TransFoundEvidence
}
