// Package accounting implements post-flight metering: converting a completed
// request's token usage into a credit deduction and a durable usage row,
// with trial users metered separately from paid ones.
package accounting

import (
	"context"
	"errors"
	"math"
	"time"
)

// UsageEvent is produced exactly once per completed request by the request
// orchestrator and consumed here to update credits, usage history, and rate
// counters.
type UsageEvent struct {
	RequestID        string
	UserID           string
	APIKey           string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	ElapsedMs        int64
	CostMicros       int64
	Success          bool
	ErrorKind        string
	FinishReason     string
	Timestamp        time.Time
}

// ErrInsufficientCredits is returned by Datastore.DeductCredits when the
// user's balance is lower than the requested deduction at commit time. This
// can still happen even after an admission-time pre-check, because two
// requests on the same key may both pass the pre-check and race to deduct.
var ErrInsufficientCredits = errors.New("accounting: insufficient credits")

// Datastore is the external, durable store of users, credit balances, and
// usage history. Implementations must make DeductCredits atomic (a single
// conditional update, not a read-then-write) since it is the sole guard
// against credits going negative under concurrent requests on one key.
type Datastore interface {
	// DeductCredits atomically subtracts amountMicros from userID's balance
	// if and only if the balance is currently >= amountMicros. It returns
	// ErrInsufficientCredits without mutating anything if the guard fails.
	DeductCredits(ctx context.Context, userID string, amountMicros int64) error

	// InsertUsageRow durably records one usage event. Called only after a
	// successful DeductCredits (or, for trial/anonymous users, directly).
	InsertUsageRow(ctx context.Context, ev UsageEvent) error

	// IncrementTrialUsage updates a trial user's per-key counters. Never
	// touches the monetary credit balance.
	IncrementTrialUsage(ctx context.Context, userID string, tokens, requests int64) error
}

// ErrorSink receives events that could not be committed to the primary
// Datastore so they are not silently lost; the orchestrator does not retry
// these automatically (spec: log, don't retry).
type ErrorSink interface {
	LogFailedCommit(ctx context.Context, ev UsageEvent, err error)
}

// Service orchestrates the C9 commit sequence: credit deduction before usage
// row, so a crash between the two steps leaves at most one unbilled request,
// never a double charge.
type Service struct {
	store Datastore
	sink  ErrorSink
	ch    *ClickHouseSink // optional durable analytical sink, may be nil
}

// New builds a Service. sink may be nil (failed commits are simply dropped
// after being attempted, matching the teacher's graceful-degradation stance
// elsewhere); ch may be nil when no analytical sink is configured.
func New(store Datastore, sink ErrorSink, ch *ClickHouseSink) *Service {
	return &Service{store: store, sink: sink, ch: ch}
}

// CostMicros computes the ceil-to-micro cost of a completion from per-token
// pricing expressed in credits, matching the "ceil_6(rate × tokens)" formula:
// round each axis UP independently to the nearest 1e-6 credit, then sum.
func CostMicros(promptTokens, completionTokens int, pricePerInputToken, pricePerOutputToken float64) int64 {
	in := ceilMicros(pricePerInputToken * float64(promptTokens))
	out := ceilMicros(pricePerOutputToken * float64(completionTokens))
	return in + out
}

func ceilMicros(creditsValue float64) int64 {
	return int64(math.Ceil(creditsValue * 1_000_000))
}

// Commit applies the post-flight accounting sequence for one completed
// request. trial requests never touch the credit balance: a zero-cost usage
// row is recorded and the trial counters are bumped instead. Paid requests
// execute the atomic deduction, then the usage row; if the deduction fails
// (a race past admission's pre-check), the event is handed to the error sink
// and no usage row is written — the request was not billed, so it must not
// appear to have been billed.
func (s *Service) Commit(ctx context.Context, ev UsageEvent, trial bool) error {
	if s.ch != nil {
		s.ch.Enqueue(ev)
	}

	if trial {
		if err := s.store.IncrementTrialUsage(ctx, ev.UserID, int64(ev.PromptTokens+ev.CompletionTokens), 1); err != nil {
			s.logFailure(ctx, ev, err)
			return err
		}
		ev.CostMicros = 0
		if err := s.store.InsertUsageRow(ctx, ev); err != nil {
			s.logFailure(ctx, ev, err)
			return err
		}
		return nil
	}

	if ev.CostMicros > 0 {
		if err := s.store.DeductCredits(ctx, ev.UserID, ev.CostMicros); err != nil {
			s.logFailure(ctx, ev, err)
			return err
		}
	}

	if err := s.store.InsertUsageRow(ctx, ev); err != nil {
		s.logFailure(ctx, ev, err)
		return err
	}
	return nil
}

func (s *Service) logFailure(ctx context.Context, ev UsageEvent, err error) {
	if s.sink != nil {
		s.sink.LogFailedCommit(ctx, ev, err)
	}
}
