// Package dispatch implements the submission facade: the single entry point
// callers use to get a task onto some live instance, picked by the
// configured balancer policy.
package dispatch

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/dispatchd/internal/balancer"
	"github.com/basket/dispatchd/internal/instance"
	dotel "github.com/basket/dispatchd/internal/otel"
	"github.com/basket/dispatchd/internal/registry"
	"github.com/basket/dispatchd/internal/shared"
	"github.com/basket/dispatchd/internal/task"
)

// Lookup resolves the balancer.Candidate the policy picked back into the
// concrete instance to submit to. The registry stores registry.Instance
// (a balancer.Candidate plus Enabled); wiring code supplies a Lookup that
// knows how to get from an account id back to its *instance.Instance.
type Lookup func(accountID string) (*instance.Instance, bool)

// Facade routes Submit calls to whichever live instance the policy picks.
type Facade struct {
	registry *registry.Registry
	policy   balancer.Policy
	lookup   Lookup
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *dotel.Metrics
}

// New creates a Facade. tracer and metrics may be nil (no-op).
func New(reg *registry.Registry, policy balancer.Policy, lookup Lookup, logger *slog.Logger, tracer trace.Tracer, metrics *dotel.Metrics) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{registry: reg, policy: policy, lookup: lookup, logger: logger, tracer: tracer, metrics: metrics}
}

// Submit resolves a live instance via the configured policy and delegates to
// it. If no instance is currently live, it fails immediately without
// touching the task's persisted state: there is nowhere to hold it.
func (f *Facade) Submit(ctx context.Context, t *task.Info, thunk instance.Thunk) instance.SubmitResult {
	ctx, traceID := shared.EnsureTraceID(ctx)
	logger := f.logger.With("trace_id", traceID)

	if f.tracer != nil {
		var span trace.Span
		ctx, span = dotel.StartSpan(ctx, f.tracer, "dispatch.submit", dotel.AttrTaskID.String(t.ID()))
		defer span.End()
	}

	candidates := f.registry.Alive()
	if len(candidates) == 0 {
		return f.reject(ctx, logger, t, "no available instance")
	}

	chosen, ok := f.policy.Choose(candidates)
	if !ok {
		return f.reject(ctx, logger, t, "no available instance")
	}

	inst, ok := f.lookup(chosen.AccountID())
	if !ok {
		logger.Error("chosen candidate has no registered instance", "account_id", chosen.AccountID())
		return f.reject(ctx, logger, t, "no available instance")
	}

	logger.Info("routing task", "task_id", t.ID(), "account_id", chosen.AccountID())
	res := inst.Submit(ctx, t, thunk)
	if f.metrics != nil {
		f.metrics.SubmitsTotal.Add(ctx, 1)
	}
	return res
}

func (f *Facade) reject(ctx context.Context, logger *slog.Logger, t *task.Info, reason string) instance.SubmitResult {
	logger.Warn("submit rejected", "task_id", t.ID(), "reason", reason)
	if f.metrics != nil {
		f.metrics.AdmissionFailures.Add(ctx, 1)
	}
	return instance.SubmitResult{Code: instance.CodeFailure, Description: reason, TaskID: t.ID()}
}
