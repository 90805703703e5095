package models

import (
	"testing"
	"time"
)

func TestCanonicalLinkType(t *testing.T) {
	tests := []struct {
		in   LinkType
		want LinkType
	}{
		{LinkRelated, LinkRelated},
		{LinkSupports, LinkSupports},
		{LinkConflicts, LinkConflicts},
		{LinkSupersedes, LinkSupersedes},
		{LinkCauses, LinkRelated},
		{LinkInstanceOf, LinkRelated},
		{LinkMotivatedBy, LinkRelated},
		{LinkInvalidatedBy, LinkSupersedes},
		{LinkNone, LinkNone},
		{LinkType("bogus"), LinkNone},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			if got := CanonicalLinkType(tt.in); got != tt.want {
				t.Errorf("CanonicalLinkType(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidLinkType(t *testing.T) {
	for _, lt := range ClassifierLinkTypes {
		if !ValidLinkType(lt) {
			t.Errorf("%s should be valid", lt)
		}
	}
	if ValidLinkType(LinkType("friendly")) {
		t.Error("unknown type should be invalid")
	}
}

func TestMemory_ColdStorageAndExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	m := Memory{ImportanceScore: 0}
	if !m.ColdStorage() {
		t.Error("importance 0 is cold storage")
	}
	m.ImportanceScore = 0.5
	if m.ColdStorage() {
		t.Error("importance 0.5 is not cold storage")
	}

	m.ExpiresAt = &past
	if !m.Expired(now) {
		t.Error("past expiry should report expired")
	}
	m.ExpiresAt = &future
	if m.Expired(now) {
		t.Error("future expiry should not report expired")
	}
	m.ExpiresAt = nil
	if m.Expired(now) {
		t.Error("nil expiry never expires")
	}
}

func TestBatchState_Transitions(t *testing.T) {
	tests := []struct {
		from BatchState
		to   BatchState
		want bool
	}{
		{BatchSubmitted, BatchProcessing, true},
		{BatchSubmitted, BatchCompleted, true},
		{BatchProcessing, BatchCompleted, true},
		{BatchProcessing, BatchFailed, true},
		{BatchProcessing, BatchExpired, true},
		{BatchCompleted, BatchProcessing, false},
		{BatchFailed, BatchCompleted, false},
		{BatchCompleted, BatchCompleted, true}, // replay is a no-op
		{BatchProcessing, BatchSubmitted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
