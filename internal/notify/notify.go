// Package notify bridges overseer lifecycle hooks to human-facing
// notifications. It renders stall, escalation and completion messages,
// redacts secrets, and republishes them on the notify bus topics where
// channel bridges (chat, dashboard push) pick them up.
package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/model"
	"github.com/basket/overseer/internal/overseer"
	"github.com/basket/overseer/internal/shared"
)

// DeepLinks builds dashboard URLs for notifications. A zero BaseURL
// produces empty links, which renderers simply omit.
type DeepLinks struct {
	BaseURL string
}

// GoalURL returns the dashboard link for a goal.
func (d DeepLinks) GoalURL(goalID string) string {
	if d.BaseURL == "" || goalID == "" {
		return ""
	}
	return fmt.Sprintf("%s/goals/%s", strings.TrimRight(d.BaseURL, "/"), goalID)
}

// AssignmentURL returns the dashboard link for an assignment within its goal.
func (d DeepLinks) AssignmentURL(goalID, assignmentID string) string {
	if d.BaseURL == "" || goalID == "" || assignmentID == "" {
		return ""
	}
	return fmt.Sprintf("%s/goals/%s/assignments/%s", strings.TrimRight(d.BaseURL, "/"), goalID, assignmentID)
}

// Config wires the bridge.
type Config struct {
	Bus    *bus.Bus
	Links  DeepLinks
	Logger *slog.Logger
}

// Bridge turns hook callbacks into notify.* bus messages.
type Bridge struct {
	bus    *bus.Bus
	links  DeepLinks
	logger *slog.Logger
}

// New builds a Bridge from the config.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: cfg.Bus, links: cfg.Links, logger: logger}
}

// Hooks returns the overseer hook set wired to this bridge. Active
// transitions are log-only; stalls and completions notify.
func (b *Bridge) Hooks() overseer.Hooks {
	return overseer.Hooks{
		OnAssignmentActive:  b.assignmentActive,
		OnAssignmentStalled: b.assignmentStalled,
		OnAssignmentDone:    b.assignmentDone,
		OnGoalCompleted:     b.goalCompleted,
	}
}

func (b *Bridge) assignmentActive(a model.Assignment) {
	b.logger.Debug("assignment active",
		"assignment_id", a.ID, "goal_id", a.GoalID, "work_node_id", a.WorkNodeID)
}

// assignmentStalled notifies on every stall. An escalated assignment
// carries a cleared backoff and a blocked reason; the rendered text
// distinguishes the two so operators know whether the system will retry
// on its own.
func (b *Bridge) assignmentStalled(a model.Assignment) {
	escalated := a.BackoffUntil == 0
	var text string
	if escalated {
		text = fmt.Sprintf("Assignment %s on node %s needs attention: %s",
			a.ID, a.WorkNodeID, a.BlockedReason)
	} else {
		text = fmt.Sprintf("Assignment %s on node %s stalled (retry %d queued)",
			a.ID, a.WorkNodeID, a.RetryCount)
	}
	text = shared.Redact(text)

	b.logger.Warn("assignment stalled",
		"assignment_id", a.ID, "goal_id", a.GoalID,
		"work_node_id", a.WorkNodeID, "escalated", escalated, "retry_count", a.RetryCount)

	b.publish(bus.TopicNotifyEscalation, bus.Notification{
		Kind:         "escalation",
		Text:         text,
		GoalID:       a.GoalID,
		AssignmentID: a.ID,
		Link:         b.links.AssignmentURL(a.GoalID, a.ID),
	})
}

func (b *Bridge) assignmentDone(a model.Assignment) {
	b.logger.Info("assignment done",
		"assignment_id", a.ID, "goal_id", a.GoalID, "work_node_id", a.WorkNodeID)
}

func (b *Bridge) goalCompleted(g model.Goal) {
	text := shared.Redact(fmt.Sprintf("Goal completed: %s", g.Title))

	b.logger.Info("goal completed", "goal_id", g.ID, "title", g.Title)

	b.publish(bus.TopicNotifyCompletion, bus.Notification{
		Kind:   "completion",
		Text:   text,
		GoalID: g.ID,
		Link:   b.links.GoalURL(g.ID),
	})
}

func (b *Bridge) publish(topic string, n bus.Notification) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(topic, n)
}
