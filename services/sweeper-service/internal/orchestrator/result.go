package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Operation names an orchestrated operation.
type Operation string

const (
	OpScan   Operation = "scan"
	OpDelete Operation = "delete"
	OpSend   Operation = "send"
	OpSweep  Operation = "sweep"
)

// UnitStatus is the outcome of one unit of work: a conversation, a destination or a batch.
type UnitStatus string

const (
	UnitOK      UnitStatus = "ok"
	UnitPartial UnitStatus = "partial"
	UnitSkipped UnitStatus = "skipped"
	UnitError   UnitStatus = "error"
)

// UnitOutcome records what happened to one conversation during an operation.
type UnitOutcome struct {
	ChatID      int64            `json:"chat_id"`
	Title       string           `json:"title"`
	Status      UnitStatus       `json:"status"`
	Found       int              `json:"found,omitempty"`
	Scanned     int              `json:"scanned,omitempty"`
	Deleted     int              `json:"deleted,omitempty"`
	Failed      int              `json:"failed,omitempty"`
	// Unconfirmed counts items accepted by a delete call that the platform did not report as
	// removed. They leave the index but not the deletion counters.
	Unconfirmed int              `json:"unconfirmed,omitempty"`
	FailedItems map[int64]string `json:"failed_items,omitempty"`
	Sent        bool             `json:"sent,omitempty"`
	DryRun      bool             `json:"dry_run,omitempty"`
	ItemID      int64            `json:"item_id,omitempty"`
	Violations  []Violation      `json:"violations,omitempty"`
	Resumed     bool             `json:"resumed,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Counts aggregates the unit outcomes of an operation.
type Counts struct {
	Total     int `json:"total"`
	Eligible  int `json:"eligible"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
	Found     int `json:"found"`
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
	Sent      int `json:"sent"`

	Unconfirmed int `json:"unconfirmed,omitempty"`
}

// Result is the structured outcome of an operation. No operation is all-or-nothing: unit
// failures are recorded here rather than returned.
type Result struct {
	Operation  Operation     `json:"operation"`
	AccountID  string        `json:"account_id"`
	RunID      string        `json:"run_id"`
	Units      []UnitOutcome `json:"units"`
	Counts     Counts        `json:"counts"`
	Paused     bool          `json:"paused"`
	Log        []string      `json:"log"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	log zerolog.Logger
}

func (s *Service) newResult(op Operation, accountID string, log zerolog.Logger) *Result {
	runID := uuid.NewString()
	return &Result{
		Operation: op,
		AccountID: accountID,
		RunID:     runID,
		StartedAt: s.now(),
		log:       log.With().Str("op", string(op)).Str("run_id", runID).Logger(),
	}
}

// trail appends a line to the result's log trail and mirrors it to the logger.
func (r *Result) trail(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	r.Log = append(r.Log, line)
	r.log.Info().Msg(line)
}

func (r *Result) add(u UnitOutcome) {
	r.Units = append(r.Units, u)
	if u.Status != UnitSkipped {
		r.Counts.Processed++
	}
	switch u.Status {
	case UnitOK, UnitPartial:
		r.Counts.Succeeded++
	case UnitSkipped:
		r.Counts.Skipped++
	case UnitError:
		r.Counts.Errored++
	}
	r.Counts.Found += u.Found
	r.Counts.Deleted += u.Deleted
	r.Counts.Failed += u.Failed
	r.Counts.Unconfirmed += u.Unconfirmed
	if u.Sent || u.DryRun {
		r.Counts.Sent++
	}
}

func (s *Service) finish(r *Result) *Result {
	r.FinishedAt = s.now()
	r.log.Info().
		Int("processed", r.Counts.Processed).
		Int("errored", r.Counts.Errored).
		Bool("paused", r.Paused).
		Dur("took", r.FinishedAt.Sub(r.StartedAt)).
		Msg("Operation finished")
	s.notify(string(r.Operation)+".finished", map[string]any{
		"account_id": r.AccountID,
		"run_id":     r.RunID,
		"counts":     r.Counts,
		"paused":     r.Paused,
	})
	return r
}
