package orchestrator

import (
	"context"
	"fmt"
	"time"

	sweepermodels "github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/provider"
)

// DeleteOptions narrows a delete run.
type DeleteOptions struct {
	// ChatIDs restricts the run to these conversations. By default every conversation with live
	// found items is processed.
	ChatIDs []int64
	// KeepForOthers deletes items only for the account instead of for every participant.
	KeepForOthers bool
	// Pause is checked between conversations.
	Pause func() bool
}

// Delete removes the live found items of the account's conversations in small batches. A failed
// batch is recorded and the run moves on to the next batch or conversation.
func (s *Service) Delete(ctx context.Context, accountID string, opts DeleteOptions) (*Result, error) {
	l, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer l.release()

	res := s.newResult(OpDelete, accountID, l.log)

	targets := opts.ChatIDs
	if len(targets) == 0 {
		for _, sum := range l.state.Items.Summary() {
			if sum.Live > 0 {
				targets = append(targets, sum.ChatID)
			}
		}
	}
	res.Counts.Total = len(targets)
	res.Counts.Eligible = len(targets)
	res.trail("deleting items from %d conversations", len(targets))

	for i, chatID := range targets {
		if s.shouldPause(ctx, opts.Pause) {
			res.Paused = true
			res.trail("delete paused, %d of %d conversations done", i, len(targets))
			break
		}

		unit, err := s.deleteChat(ctx, l, res, chatID, !opts.KeepForOthers)
		res.add(unit)
		if provider.Classify(err) == provider.KindAuth {
			return s.finish(res), fmt.Errorf("delete aborted: %w", err)
		}
	}

	res.trail("delete finished: %d deleted, %d failed", res.Counts.Deleted, res.Counts.Failed)
	return s.finish(res), nil
}

func (s *Service) deleteChat(ctx context.Context, l *lease, res *Result, chatID int64, revoke bool) (UnitOutcome, error) {
	unit := UnitOutcome{ChatID: chatID, Title: s.chatTitle(l, chatID)}
	log := res.log.With().Int64("chat_id", chatID).Logger()
	policy := s.retry(log)

	if cp, ok := l.state.Checkpoints.Get(chatID, true); ok {
		unit.Resumed = true
		res.trail("resuming delete of %q, %d deleted previously", unit.Title, cp.ItemsDeleted)
	}

	items := l.state.Items.LiveItems(chatID)
	if len(items) == 0 {
		unit.Status = UnitOK
		res.trail("nothing to delete in %q", unit.Title)
		return unit, nil
	}

	var (
		stopReason string
		abortErr   error
	)
	size := s.cfg.DeleteBatchSize
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]
		ids := make([]int64, len(batch))
		for i, item := range batch {
			ids[i] = item.ItemID
		}

		if start > 0 && stopReason == "" {
			if err := s.sleep(ctx, s.cfg.DeleteDelay*time.Duration(len(batch))); err != nil {
				stopReason = err.Error()
			}
		}

		var (
			callErr error
			removed int
		)
		if stopReason == "" {
			removed, callErr = withRetry(ctx, policy, "delete_messages", func(ctx context.Context) (int, error) {
				return l.client.DeleteMessages(ctx, chatID, ids, revoke)
			})
		}

		results := make([]sweepermodels.DeleteResult, len(ids))
		for i, id := range ids {
			results[i] = sweepermodels.DeleteResult{ItemID: id, OK: stopReason == "" && callErr == nil}
			switch {
			case stopReason != "":
				results[i].Reason = stopReason
			case callErr != nil:
				results[i].Reason = failureReason(callErr)
			}
		}

		summary, err := l.state.Items.ApplyDeleteResults(ctx, chatID, results)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to record delete results")
		}
		confirmed := summary.Deleted
		if short := shortfall(len(ids), removed); callErr == nil && stopReason == "" && short > 0 {
			confirmed -= short
			unit.Unconfirmed += short
			res.trail("delete batch %d of %q removed %d of %d items", start/size+1, unit.Title, removed, len(ids))
		}
		s.recordDeleted(ctx, l, chatID, confirmed)

		unit.Deleted += confirmed
		unit.Failed += summary.Failed
		for id, reason := range summary.FailedItems {
			if unit.FailedItems == nil {
				unit.FailedItems = make(map[int64]string)
			}
			unit.FailedItems[id] = reason
		}

		s.notify("delete.batch", map[string]any{
			"account_id": l.accountID,
			"chat_id":    chatID,
			"batch":      start/size + 1,
			"deleted":    summary.Deleted,
			"failed":     summary.Failed,
		})

		if callErr != nil {
			res.trail("delete batch %d of %q failed: %v", start/size+1, unit.Title, callErr)
			switch provider.Classify(callErr) {
			case provider.KindAuth:
				stopReason = failureReason(callErr)
				abortErr = callErr
			case provider.KindPermission:
				if reason := provider.PermissionReason(callErr); reason == provider.ReasonBanned || reason == provider.ReasonAdminRequired {
					s.markPermission(ctx, l, res, chatID, callErr)
					stopReason = failureReason(callErr)
				}
			}
		}
	}

	switch {
	case unit.Failed == 0:
		unit.Status = UnitOK
	case unit.Deleted > 0:
		unit.Status = UnitPartial
	default:
		unit.Status = UnitError
	}
	if unit.Failed > 0 {
		unit.Error = fmt.Sprintf("%d items not deleted", unit.Failed)
	}
	res.trail("deleted %d items from %q, %d failed", unit.Deleted, unit.Title, unit.Failed)
	return unit, abortErr
}

// recordDeleted adds confirmed deletions to the conversation's checkpoint and chat record.
func (s *Service) recordDeleted(ctx context.Context, l *lease, chatID int64, n int) {
	if n <= 0 {
		return
	}
	if err := l.state.Checkpoints.Update(ctx, chatID, 0, n, -1); err != nil {
		l.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to checkpoint deletions")
	}
	if err := l.state.Chats.IncrementCounters(ctx, chatID, 0, n); err != nil {
		l.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to count deletions")
	}
}

// shortfall is how many of the requested items a delete call did not report as removed.
func shortfall(requested, removed int) int {
	if removed >= requested || removed < 0 {
		return 0
	}
	return requested - removed
}

func failureReason(err error) string {
	if reason := provider.PermissionReason(err); reason != "" {
		return reason
	}
	return provider.Classify(err).String()
}

// markPermission moves a conversation's chat record to banned or restricted when err says so.
func (s *Service) markPermission(ctx context.Context, l *lease, res *Result, chatID int64, err error) {
	var status sweepermodels.LifecycleStatus
	switch provider.PermissionReason(err) {
	case provider.ReasonBanned:
		status = sweepermodels.LifecycleBanned
	case provider.ReasonAdminRequired:
		status = sweepermodels.LifecycleRestricted
	default:
		return
	}
	if merr := l.state.Chats.MarkStatus(ctx, chatID, status); merr != nil {
		res.log.Warn().Err(merr).Int64("chat_id", chatID).Msg("Failed to update chat status")
		return
	}
	s.notify("chat.status", map[string]any{
		"account_id": l.accountID,
		"chat_id":    chatID,
		"status":     status,
	})
}

func (s *Service) chatTitle(l *lease, chatID int64) string {
	if rec, ok := l.state.Chats.Get(chatID); ok && rec.Title != "" {
		return rec.Title
	}
	if cp, ok := l.state.Checkpoints.Get(chatID, false); ok && cp.ChatTitle != "" {
		return cp.ChatTitle
	}
	return fmt.Sprintf("chat %d", chatID)
}
