package overseer

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/model"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/store"
)

// TickReport summarizes one reconciliation pass.
type TickReport struct {
	Reason       string `json:"reason,omitempty"`
	Checked      int    `json:"checked"`
	Idle         int    `json:"idle"`
	Stalled      int    `json:"stalled"`
	Redispatched int    `json:"redispatched"`
	Escalated    int    `json:"escalated"`
}

// redispatchClaim carries everything startWorker needs for a
// reconciler-driven redispatch, captured while the lock was held.
type redispatchClaim struct {
	assignment model.Assignment
	objective  string
	resume     *model.Crystallization
}

// Tick runs one reconciliation pass over every non-terminal assignment.
// Classification and all state transitions happen inside a single
// Mutate; hooks, bus publishes and worker runtime calls run after the
// state has been persisted. The reason string is recorded for
// observability and never changes behavior.
//
// Ticks are idempotent: a stalled assignment transitions at most once,
// and the dispatched status claimed under the lock keeps two passes
// from redispatching the same assignment twice.
func (o *Overseer) Tick(ctx context.Context, reason string) (TickReport, error) {
	ctx, span := otelpkg.StartSpan(ctx, o.tracer, "overseer.tick",
		otelpkg.AttrTickReason.String(reason),
	)
	defer span.End()
	start := o.now()

	report := TickReport{Reason: reason}
	var (
		stalled   []model.Assignment
		escalated []model.Assignment
		claims    []redispatchClaim
	)
	err := o.store.Mutate(ctx, func(st *store.State) error {
		now := o.nowMs()

		ids := make([]string, 0, len(st.Assignments))
		for id := range st.Assignments {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			a := st.Assignments[id]
			if a.Status.Terminal() {
				continue
			}
			report.Checked++

			switch a.Status {
			case model.AssignmentStatusDispatched, model.AssignmentStatusActive:
				sinceActivity := now - a.LastObservedActivityAt
				switch {
				case sinceActivity <= a.IdleAfterMs:
					// active: worker reported within tolerance.
				case sinceActivity <= o.graceMs(a.IdleAfterMs):
					// idle: within the grace window, no transition.
					report.Idle++
					a.ExpectedNextUpdateAt = now + a.IdleAfterMs
					a.UpdatedAt = now
				default:
					report.Stalled++
					if o.stall(st, a, now) {
						escalated = append(escalated, *a)
						report.Escalated++
					}
					stalled = append(stalled, *a)
				}

			case model.AssignmentStatusStalled:
				if a.BackoffUntil == 0 || a.BackoffUntil > now {
					continue
				}
				if a.RecoveryPolicy == model.RecoveryEscalateOnly {
					continue
				}
				o.claimRedispatch(st, a, now)
				report.Redispatched++
				claim := redispatchClaim{
					assignment: *a,
					resume:     st.LatestCrystallizationForNode(a.GoalID, a.WorkNodeID),
				}
				if goal := st.Goals[a.GoalID]; goal != nil {
					if node := goal.Plan.Node(a.WorkNodeID); node != nil {
						claim.objective = node.Objective
					}
				}
				claims = append(claims, claim)
			}
		}

		o.recordEvent(st, model.EventTick, "", "", "",
			fmt.Sprintf("reason=%s checked=%d stalled=%d redispatched=%d escalated=%d",
				reason, report.Checked, report.Stalled, report.Redispatched, report.Escalated))
		return nil
	})
	if err != nil {
		return TickReport{}, err
	}

	if o.metrics != nil {
		o.metrics.TickDuration.Record(ctx, o.now().Sub(start).Seconds(),
			metric.WithAttributes(otelpkg.AttrTickReason.String(reason)))
		if report.Stalled > 0 {
			o.metrics.Stalls.Add(ctx, int64(report.Stalled))
		}
		if report.Redispatched > 0 {
			o.metrics.Redispatches.Add(ctx, int64(report.Redispatched))
		}
		if report.Escalated > 0 {
			o.metrics.Escalations.Add(ctx, int64(report.Escalated))
		}
	}

	for i := range stalled {
		a := &stalled[i]
		o.publish(bus.TopicAssignmentStalled, assignmentEvent(a))
		if o.hooks.OnAssignmentStalled != nil {
			o.hooks.OnAssignmentStalled(*a)
		}
	}
	for i := range escalated {
		o.publish(bus.TopicAssignmentEscalated, assignmentEvent(&escalated[i]))
	}
	for _, c := range claims {
		o.publish(bus.TopicAssignmentRetried, assignmentEvent(&c.assignment))
		o.startWorker(ctx, c.assignment, c.objective, c.resume, true)
	}

	if report.Stalled > 0 || report.Redispatched > 0 || report.Escalated > 0 {
		o.logger.Info("tick",
			"reason", reason, "checked", report.Checked, "idle", report.Idle,
			"stalled", report.Stalled, "redispatched", report.Redispatched,
			"escalated", report.Escalated)
	} else {
		o.logger.Debug("tick", "reason", reason, "checked", report.Checked)
	}
	return report, nil
}

// stall transitions an assignment to stalled and decides its recovery.
// Below the retry ceiling it books a backoff window and counts the
// retry; at the ceiling, or under an escalate-only policy, it parks the
// assignment for operator action and reports true. Caller holds the
// store lock.
func (o *Overseer) stall(st *store.State, a *model.Assignment, now int64) (escalated bool) {
	a.Status = model.AssignmentStatusStalled
	a.UpdatedAt = now
	o.recordEvent(st, model.EventAssignmentStalled, a.GoalID, a.ID, a.WorkNodeID,
		fmt.Sprintf("no activity for %dms", now-a.LastObservedActivityAt))

	tuning := o.tuningNow()
	if a.RecoveryPolicy == model.RecoveryEscalateOnly || a.RetryCount >= tuning.MaxRetries {
		a.BackoffUntil = 0
		if a.RetryCount >= tuning.MaxRetries {
			a.BlockedReason = fmt.Sprintf("retry ceiling reached after %d retries", a.RetryCount)
		} else {
			a.BlockedReason = "stalled, recovery policy requires operator action"
		}
		o.recordEvent(st, model.EventAssignmentEscalated, a.GoalID, a.ID, a.WorkNodeID, a.BlockedReason)
		return true
	}

	a.RetryCount++
	a.LastRetryAt = now
	a.BackoffUntil = now + tuning.backoffFor(a.RetryCount).Milliseconds()
	return false
}
