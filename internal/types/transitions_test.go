package types

import "testing"

func TestNextStateTable(t *testing.T) {
	tests := []struct {
		from  CaseState
		event TransitionEvent
		want  CaseState
		legal bool
	}{
		{StateInboxLookup, TransFoundEvidence, StateParsed, true},
		{StateInboxLookup, TransOutreachSentOK, StateOutreachSent, true},
		{StateOutreachSent, TransFoundEvidence, StateParsed, true},
		{StateOutreachSent, TransNoEvidence, StateWaiting, true},
		{StateWaiting, TransFoundEvidence, StateParsed, true},
		{StateWaiting, TransNoEvidence, StateWaiting, true},
		{StateWaiting, TransFollowupSentOK, StateFollowupSent, true},
		{StateWaiting, TransEscalation, StateEscalated, true},
		{StateFollowupSent, TransFoundEvidence, StateParsed, true},
		{StateFollowupSent, TransNoEvidence, StateWaiting, true},
		{StateParsed, TransResolveOK, StateResolved, true},
		{StateParsed, TransNoSignal, StateWaiting, true},
		{StateResolved, TransUserReopen, StateWaiting, true},
		{StateEscalated, TransUserRetry, StateWaiting, true},
		{StateError, TransUserRetry, StateInboxLookup, true},

		{StateInboxLookup, TransNoEvidence, "", false},
		{StateInboxLookup, TransResolveOK, "", false},
		{StateParsed, TransOutreachSentOK, "", false},
		{StateResolved, TransFoundEvidence, "", false},
		{StateEscalated, TransNoEvidence, "", false},
	}

	for _, tt := range tests {
		got, err := NextState(tt.from, tt.event)
		if tt.legal {
			if err != nil {
				t.Errorf("NextState(%s, %s): unexpected error %v", tt.from, tt.event, err)
				continue
			}
			if got != tt.want {
				t.Errorf("NextState(%s, %s) = %s, want %s", tt.from, tt.event, got, tt.want)
			}
		} else if err == nil {
			t.Errorf("NextState(%s, %s): expected rejection, got %s", tt.from, tt.event, got)
		}
	}
}

func TestFailureFromAnyState(t *testing.T) {
	for _, from := range []CaseState{StateInboxLookup, StateOutreachSent, StateWaiting,
		StateFollowupSent, StateParsed, StateResolved, StateEscalated, StateError} {
		got, err := NextState(from, TransFailure)
		if err != nil {
			t.Fatalf("FAILURE from %s: %v", from, err)
		}
		if got != StateError {
			t.Fatalf("FAILURE from %s landed in %s", from, got)
		}
	}
}

func TestSchedulable(t *testing.T) {
	schedulable := map[CaseState]bool{
		StateOutreachSent: true,
		StateWaiting:      true,
		StateFollowupSent: true,
	}
	for _, s := range []CaseState{StateInboxLookup, StateOutreachSent, StateWaiting,
		StateFollowupSent, StateParsed, StateResolved, StateEscalated, StateError} {
		if s.Schedulable() != schedulable[s] {
			t.Errorf("%s.Schedulable() = %v", s, s.Schedulable())
		}
	}
}
