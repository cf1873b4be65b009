package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stoik/chatsweep/internal/models"
	sweepermodels "github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/provider"
)

const (
	SendStatusSent    = "sent"
	SendStatusBlocked = "blocked"
	SendStatusError   = "error"
)

// SendOptions describes one send run.
type SendOptions struct {
	ChatIDs []int64
	Text    string
	// DryRun checks every destination and counts it as sent without posting anything.
	DryRun bool
	// SelfDestruct queues every sent item for deletion one hour after it was sent.
	SelfDestruct bool
	// Override lists destinations exempt from the compliance check.
	Override []int64
	Pause    func() bool
}

// Send posts a text to every destination in order. Destinations whose rules the text would break
// are skipped unless overridden.
func (s *Service) Send(ctx context.Context, accountID string, opts SendOptions) (*Result, error) {
	if strings.TrimSpace(opts.Text) == "" {
		return nil, errors.New("text is required")
	}
	if len(opts.ChatIDs) == 0 {
		return nil, errors.New("at least one destination is required")
	}

	l, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer l.release()

	res := s.newResult(OpSend, accountID, l.log)
	res.Counts.Total = len(opts.ChatIDs)
	res.Counts.Eligible = len(opts.ChatIDs)

	override := make(map[int64]bool, len(opts.Override))
	for _, id := range opts.Override {
		override[id] = true
	}
	denied := make(map[int64]string)

	for i, chatID := range opts.ChatIDs {
		if s.shouldPause(ctx, opts.Pause) {
			res.Paused = true
			res.trail("send paused, %d of %d destinations done", i, len(opts.ChatIDs))
			break
		}

		unit, err := s.sendOne(ctx, l, res, chatID, opts, override[chatID], denied)
		res.add(unit)
		if provider.Classify(err) == provider.KindAuth {
			return s.finish(res), fmt.Errorf("send aborted: %w", err)
		}
	}

	res.trail("send finished: %d sent, %d skipped, %d errored", res.Counts.Sent, res.Counts.Skipped, res.Counts.Errored)
	return s.finish(res), nil
}

func (s *Service) sendOne(ctx context.Context, l *lease, res *Result, chatID int64, opts SendOptions, overridden bool, denied map[int64]string) (UnitOutcome, error) {
	unit := UnitOutcome{ChatID: chatID, Title: s.chatTitle(l, chatID)}
	policy := s.retry(res.log.With().Int64("chat_id", chatID).Logger())

	if reason, ok := denied[chatID]; ok {
		unit.Status = UnitSkipped
		unit.Error = "permission denied: " + reason
		res.trail("skipping %q, permission denied earlier in this run", unit.Title)
		return unit, nil
	}

	if !overridden {
		rules, err := s.rulesText(ctx, l, chatID)
		if err != nil {
			return s.failSend(ctx, l, res, unit, denied, err), err
		}
		if violations := CheckCompliance(rules, opts.Text); len(violations) > 0 {
			s.patchSend(ctx, l, chatID, SendStatusBlocked, describeViolations(violations))
			unit.Status = UnitSkipped
			unit.Violations = violations
			unit.Error = "blocked by destination rules"
			res.trail("skipping %q, text breaks its rules: %s", unit.Title, describeViolations(violations))
			s.notify("send.blocked", map[string]any{
				"account_id": l.accountID,
				"chat_id":    chatID,
				"violations": violations,
			})
			return unit, nil
		}
	}

	if opts.DryRun {
		unit.Status = UnitOK
		unit.DryRun = true
		res.trail("dry run: would send to %q", unit.Title)
		s.notify("send.dry_run", map[string]any{"account_id": l.accountID, "chat_id": chatID})
		return unit, nil
	}

	msg, err := withRetry(ctx, policy, "send_message", func(ctx context.Context) (models.ProviderMessage, error) {
		return l.client.SendMessage(ctx, chatID, opts.Text)
	})
	if err != nil {
		return s.failSend(ctx, l, res, unit, denied, err), err
	}

	sentAt := msg.Date
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	if err := l.state.Checkpoints.Patch(ctx, chatID, func(c *sweepermodels.ScanCheckpoint) {
		at := sentAt
		c.LastSentAt = &at
		c.SendStatus = SendStatusSent
		c.SendError = ""
	}); err != nil {
		res.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to checkpoint send")
	}
	if err := l.state.Chats.IncrementCounters(ctx, chatID, 1, 0); err != nil {
		res.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to count send")
	}
	if opts.SelfDestruct {
		queued := l.state.Checkpoints.Queue().Add(chatID, msg.ID, sentAt)
		res.trail("item %d in %q will be deleted at %s", msg.ID, unit.Title, queued.Deadline.Format("15:04:05"))
	}

	unit.Status = UnitOK
	unit.Sent = true
	unit.ItemID = msg.ID
	res.trail("sent item %d to %q", msg.ID, unit.Title)
	s.notify("send.sent", map[string]any{
		"account_id":    l.accountID,
		"chat_id":       chatID,
		"item_id":       msg.ID,
		"self_destruct": opts.SelfDestruct,
	})
	return unit, nil
}

// rulesText returns a destination's descriptive text, fetching and caching it in the checkpoint
// when not cached yet.
func (s *Service) rulesText(ctx context.Context, l *lease, chatID int64) (string, error) {
	if cp, ok := l.state.Checkpoints.Get(chatID, false); ok && cp.RulesText != "" {
		return cp.RulesText, nil
	}

	text, err := withRetry(ctx, s.retry(l.log), "get_description", func(ctx context.Context) (string, error) {
		return l.client.GetChatDescription(ctx, chatID)
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch destination rules: %w", err)
	}
	if text != "" {
		if err := l.state.Checkpoints.Patch(ctx, chatID, func(c *sweepermodels.ScanCheckpoint) {
			c.RulesText = text
		}); err != nil {
			l.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to cache destination rules")
		}
	}
	return text, nil
}

func (s *Service) failSend(ctx context.Context, l *lease, res *Result, unit UnitOutcome, denied map[int64]string, err error) UnitOutcome {
	if provider.Classify(err) == provider.KindPermission {
		denied[unit.ChatID] = provider.PermissionReason(err)
		s.markPermission(ctx, l, res, unit.ChatID, err)
	}
	s.patchSend(ctx, l, unit.ChatID, SendStatusError, err.Error())

	unit.Status = UnitError
	unit.Error = err.Error()
	res.trail("send to %q failed: %v", unit.Title, err)
	s.notify("send.error", map[string]any{
		"account_id": l.accountID,
		"chat_id":    unit.ChatID,
		"error":      err.Error(),
		"kind":       provider.Classify(err).String(),
	})
	return unit
}

func (s *Service) patchSend(ctx context.Context, l *lease, chatID int64, status, detail string) {
	if err := l.state.Checkpoints.Patch(ctx, chatID, func(c *sweepermodels.ScanCheckpoint) {
		c.SendStatus = status
		c.SendError = detail
	}); err != nil {
		l.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to checkpoint send status")
	}
}

func describeViolations(vs []Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%s (%s)", v.Rule, v.Detail)
	}
	return strings.Join(parts, ", ")
}
