package accounting_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/gateway-core/internal/accounting"
)

type fakeStore struct {
	deductCalls           []int64
	insertCalls           []accounting.UsageEvent
	trialCalls            int
	deductErr             error
	insertErr             error
	trialErr              error
	deductThenInsertOrder []string
}

func (f *fakeStore) DeductCredits(ctx context.Context, userID string, amountMicros int64) error {
	f.deductCalls = append(f.deductCalls, amountMicros)
	f.deductThenInsertOrder = append(f.deductThenInsertOrder, "deduct")
	return f.deductErr
}

func (f *fakeStore) InsertUsageRow(ctx context.Context, ev accounting.UsageEvent) error {
	f.insertCalls = append(f.insertCalls, ev)
	f.deductThenInsertOrder = append(f.deductThenInsertOrder, "insert")
	return f.insertErr
}

func (f *fakeStore) IncrementTrialUsage(ctx context.Context, userID string, tokens, requests int64) error {
	f.trialCalls++
	return f.trialErr
}

type fakeSink struct {
	logged []accounting.UsageEvent
}

func (f *fakeSink) LogFailedCommit(ctx context.Context, ev accounting.UsageEvent, err error) {
	f.logged = append(f.logged, ev)
}

func TestCommit_PaidRequest_DeductsBeforeInsert(t *testing.T) {
	store := &fakeStore{}
	svc := accounting.New(store, nil, nil)

	ev := accounting.UsageEvent{UserID: "u1", CostMicros: 500}
	if err := svc.Commit(context.Background(), ev, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if len(store.deductCalls) != 1 || store.deductCalls[0] != 500 {
		t.Fatalf("expected one deduction of 500, got %+v", store.deductCalls)
	}
	if len(store.insertCalls) != 1 {
		t.Fatalf("expected one usage row, got %d", len(store.insertCalls))
	}
	if store.deductThenInsertOrder[0] != "deduct" || store.deductThenInsertOrder[1] != "insert" {
		t.Fatalf("expected deduct before insert, got %v", store.deductThenInsertOrder)
	}
}

func TestCommit_TrialRequest_NeverDeductsCredits(t *testing.T) {
	store := &fakeStore{}
	svc := accounting.New(store, nil, nil)

	ev := accounting.UsageEvent{UserID: "u1", PromptTokens: 10, CompletionTokens: 20, CostMicros: 999}
	if err := svc.Commit(context.Background(), ev, true); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if len(store.deductCalls) != 0 {
		t.Fatalf("trial commit must never deduct credits, got %+v", store.deductCalls)
	}
	if store.trialCalls != 1 {
		t.Fatalf("expected one trial usage increment, got %d", store.trialCalls)
	}
	if len(store.insertCalls) != 1 || store.insertCalls[0].CostMicros != 0 {
		t.Fatalf("expected a zero-cost usage row for trial users, got %+v", store.insertCalls)
	}
}

func TestCommit_InsufficientCredits_SkipsUsageRowAndLogsFailure(t *testing.T) {
	store := &fakeStore{deductErr: accounting.ErrInsufficientCredits}
	sink := &fakeSink{}
	svc := accounting.New(store, sink, nil)

	err := svc.Commit(context.Background(), accounting.UsageEvent{UserID: "u1", CostMicros: 500}, false)
	if !errors.Is(err, accounting.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if len(store.insertCalls) != 0 {
		t.Error("a failed deduction must not be followed by a usage row")
	}
	if len(sink.logged) != 1 {
		t.Fatalf("expected the failure to be logged, got %d entries", len(sink.logged))
	}
}

func TestCommit_ZeroCostPaidRequest_SkipsDeductionButStillInserts(t *testing.T) {
	store := &fakeStore{}
	svc := accounting.New(store, nil, nil)

	if err := svc.Commit(context.Background(), accounting.UsageEvent{UserID: "u1", CostMicros: 0}, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(store.deductCalls) != 0 {
		t.Error("a zero-cost request should not invoke a no-op deduction")
	}
	if len(store.insertCalls) != 1 {
		t.Error("a zero-cost request must still be recorded")
	}
}

func TestCostMicros_CeilsEachAxisIndependently(t *testing.T) {
	// 100 input tokens at 0.0000015 credits/token = 0.00015 credits = 150
	// micros exactly; 50 output tokens at 0.000003 credits/token = 0.00015 =
	// 150 micros exactly. Sum is exact, but each axis is still ceiled
	// independently per the spec's formula.
	got := accounting.CostMicros(100, 50, 0.0000015, 0.000003)
	if got != 300 {
		t.Errorf("CostMicros = %d, want 300", got)
	}

	// A fractional-micro result on one axis must round up, not truncate.
	got = accounting.CostMicros(1, 0, 0.0000014, 0)
	if got != 2 {
		t.Errorf("CostMicros with fractional micros = %d, want 2 (ceiled)", got)
	}
}
