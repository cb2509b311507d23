package order

import (
	"context"
	"time"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/traces"
)

// Sweep outcome kinds.
const (
	KindRefundTimeout  = "refund_timeout"
	KindConfirmTimeout = "confirm_timeout"
)

// Sweep outcome results.
const (
	ResultSucceeded = "succeeded"
	ResultSkipped   = "skipped" // someone else moved the order first
	ResultFailed    = "failed"
)

// SweepOutcome is what happened to one overdue order.
type SweepOutcome struct {
	OrderID string `json:"orderId"`
	Kind    string `json:"kind"`
	Version int64  `json:"version"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

// SweepResult summarises one CheckTimeouts run.
type SweepResult struct {
	StartedAt time.Time      `json:"startedAt"`
	Processed int            `json:"processed"`
	Succeeded int            `json:"succeeded"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Outcomes  []SweepOutcome `json:"outcomes"`
}

func (r *SweepResult) record(o SweepOutcome) {
	r.Processed++
	switch o.Result {
	case ResultSucceeded:
		r.Succeeded++
	case ResultSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	r.Outcomes = append(r.Outcomes, o)
	metrics.SweepOutcomesTotal.WithLabelValues(o.Kind, o.Result).Inc()
}

// CheckTimeouts drives overdue orders forward as the system actor: pending
// refunds past their response deadline are approved, and transferred
// orders past their confirmation deadline are confirmed. Each order is its
// own unit of work through Apply, so a sweep racing a human, or another
// sweep, loses cleanly with a conflict. A failure on one order never stops
// the rest. The returned error is only for failing to list candidates.
func (s *Service) CheckTimeouts(ctx context.Context) (*SweepResult, error) {
	ctx, span := traces.StartSpan(ctx, "order.CheckTimeouts")
	now := s.now()
	result := &SweepResult{StartedAt: now, Outcomes: []SweepOutcome{}}

	var refunds, confirms []*Order
	err := s.db.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if refunds, err = tx.Orders().ListRefundOverdue(ctx, now, s.cfg.SweepBatch); err != nil {
			return err
		}
		confirms, err = tx.Orders().ListConfirmOverdue(ctx, now, s.cfg.SweepBatch)
		return err
	})
	if err != nil {
		traces.End(span, err)
		return nil, err
	}

	for _, o := range refunds {
		result.record(s.sweepOne(ctx, o, KindRefundTimeout, ApproveRefund{}))
	}
	for _, o := range confirms {
		result.record(s.sweepOne(ctx, o, KindConfirmTimeout, Confirm{}))
	}
	traces.End(span, nil)

	if result.Processed > 0 {
		logging.L(ctx).Info("deadline sweep finished",
			"processed", result.Processed,
			"succeeded", result.Succeeded,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	}
	return result, nil
}

func (s *Service) sweepOne(ctx context.Context, o *Order, kind string, action Action) SweepOutcome {
	out := SweepOutcome{OrderID: o.ID, Kind: kind, Version: o.Version}
	if err := ctx.Err(); err != nil {
		out.Result, out.Error = ResultFailed, err.Error()
		return out
	}
	_, err := s.Apply(ctx, Command{
		OrderID:         o.ID,
		ExpectedVersion: o.Version,
		Actor:           auth.System,
		Action:          action,
	})
	switch Kind(err) {
	case "ok":
		out.Result = ResultSucceeded
	case "conflict", "invalid_transition":
		out.Result, out.Error = ResultSkipped, err.Error()
	default:
		out.Result, out.Error = ResultFailed, err.Error()
		logging.L(ctx).Warn("deadline sweep failed for order", "orderId", o.ID, "kind", kind, "error", err)
	}
	return out
}
