package schema

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SyncStatus
		want     bool
	}{
		{StatusSynced, StatusPending, true},
		{StatusPending, StatusSyncing, true},
		{StatusSyncing, StatusSynced, true},
		{StatusSyncing, StatusConflict, true},
		{StatusSyncing, StatusFailed, true},
		{StatusConflict, StatusSynced, true},
		{StatusConflict, StatusPending, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusSyncing, true},
		{StatusFailed, StatusSynced, false},
		{StatusOffline, StatusSyncing, true},
		{StatusOffline, StatusSynced, false},
		{StatusSynced, StatusConflict, false},
		{StatusSynced, StatusFailed, false},
		{StatusConflict, StatusFailed, false},
		{StatusPending, StatusPending, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSyncStatusValid(t *testing.T) {
	for _, status := range AllSyncStatuses {
		if !status.Valid() {
			t.Errorf("status %s should be valid", status)
		}
	}
	if SyncStatus("bogus").Valid() {
		t.Error("bogus status should not be valid")
	}
}

func TestGoalValidate(t *testing.T) {
	goal := &Goal{
		ID:          "g1",
		HobbyID:     "h1",
		Type:        GoalTypeCount,
		Period:      PeriodDaily,
		TargetValue: 3,
	}
	if err := goal.Validate(); err != nil {
		t.Fatalf("valid goal rejected: %v", err)
	}

	bad := *goal
	bad.TargetValue = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero target accepted")
	}

	bad = *goal
	bad.Type = "streak"
	if err := bad.Validate(); err == nil {
		t.Error("unknown type accepted")
	}

	bad = *goal
	bad.Period = PeriodCustom
	bad.CustomPeriod = nil
	if err := bad.Validate(); err == nil {
		t.Error("custom period without frequency accepted")
	}

	bad.CustomPeriod = &CustomPeriod{Frequency: 3, Unit: UnitDay}
	if err := bad.Validate(); err != nil {
		t.Errorf("valid custom period rejected: %v", err)
	}
}

func TestSetDefaults(t *testing.T) {
	p := &Progress{ID: "p1", GoalID: "g1"}
	p.SetDefaults()
	if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped")
	}
	if !p.RecordedAt.Equal(p.CreatedAt) {
		t.Error("recorded_at should default to created_at")
	}
	if p.SyncStatus != StatusSynced {
		t.Errorf("fresh row should default to synced, got %s", p.SyncStatus)
	}
	if p.PendingOperation != OpNone {
		t.Errorf("fresh row should default to no pending op, got %s", p.PendingOperation)
	}
}
