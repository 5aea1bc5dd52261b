// Package health tracks per-source failure streaks and adjusts scheduling.
package health

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nyuchitech/mukoko-news-sub006/internal/config"
	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// Action is the monitor's verdict on one source.
type Action int

const (
	// ActionOK leaves the source untouched.
	ActionOK Action = iota
	// ActionWarn flags the source in logs; it stays enabled.
	ActionWarn
	// ActionDisable stops the scheduler selecting the source until it is
	// manually re-enabled.
	ActionDisable
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionDisable:
		return "disable"
	default:
		return "ok"
	}
}

// Monitor evaluates failure streaks against configured thresholds so one
// persistently-broken feed cannot consume scheduler slots indefinitely.
type Monitor struct {
	store   database.Store
	warn    int
	disable int
	logger  *slog.Logger
}

// NewMonitor builds a monitor with the configured thresholds.
func NewMonitor(store database.Store, cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:   store,
		warn:    cfg.WarnThreshold,
		disable: cfg.DisableThreshold,
		logger:  logger,
	}
}

// Evaluate maps a failure streak to an action.
func (m *Monitor) Evaluate(source model.Source) Action {
	switch {
	case source.ConsecutiveFailures >= m.disable:
		return ActionDisable
	case source.ConsecutiveFailures >= m.warn:
		return ActionWarn
	default:
		return ActionOK
	}
}

// Apply evaluates the source and carries out the verdict.
func (m *Monitor) Apply(ctx context.Context, source model.Source) (Action, error) {
	action := m.Evaluate(source)
	switch action {
	case ActionWarn:
		m.logger.Warn("source failing",
			"source", source.Name,
			"consecutive_failures", source.ConsecutiveFailures,
			"last_error", source.LastError)
	case ActionDisable:
		if err := m.store.SetSourceEnabled(ctx, source.ID, false); err != nil {
			return action, fmt.Errorf("disable source %d: %w", source.ID, err)
		}
		m.logger.Error("source disabled after repeated failures",
			"source", source.Name,
			"consecutive_failures", source.ConsecutiveFailures,
			"last_error", source.LastError)
	}
	return action, nil
}
