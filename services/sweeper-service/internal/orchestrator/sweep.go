package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/stoik/chatsweep/services/sweeper-service/internal/checkpoint"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/provider"
)

// SweepExpired deletes every self-destructing item of an account whose deadline has passed.
// Deleted items are marked in the queue; items the session may no longer delete are dropped from
// it; anything else stays queued for the next sweep.
func (s *Service) SweepExpired(ctx context.Context, accountID string) (*Result, error) {
	l, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer l.release()

	res := s.newResult(OpSweep, accountID, l.log)
	queue := l.state.Checkpoints.Queue()

	byChat := make(map[int64][]checkpoint.QueueItem)
	for _, item := range queue.Expired() {
		byChat[item.ChatID] = append(byChat[item.ChatID], item)
	}
	chatIDs := make([]int64, 0, len(byChat))
	for id := range byChat {
		chatIDs = append(chatIDs, id)
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })
	res.Counts.Total = len(chatIDs)
	res.Counts.Eligible = len(chatIDs)

	policy := s.retry(res.log)
	for _, chatID := range chatIDs {
		items := byChat[chatID]
		unit := UnitOutcome{ChatID: chatID, Title: s.chatTitle(l, chatID)}

		for start := 0; start < len(items); start += s.cfg.DeleteBatchSize {
			end := start + s.cfg.DeleteBatchSize
			if end > len(items) {
				end = len(items)
			}
			batch := items[start:end]
			ids := make([]int64, len(batch))
			for i, item := range batch {
				ids[i] = item.ItemID
			}

			removed, err := withRetry(ctx, policy, "delete_messages", func(ctx context.Context) (int, error) {
				return l.client.DeleteMessages(ctx, chatID, ids, true)
			})
			switch provider.Classify(err) {
			case provider.KindNone:
				for _, id := range ids {
					queue.MarkDeleted(chatID, id)
				}
				short := shortfall(len(ids), removed)
				unit.Deleted += len(ids) - short
				if short > 0 {
					unit.Unconfirmed += short
					res.trail("sweep of %q removed %d of %d expired items", unit.Title, removed, len(ids))
				}
			case provider.KindPermission:
				for _, id := range ids {
					queue.Remove(chatID, id)
				}
				unit.Failed += len(ids)
				s.markPermission(ctx, l, res, chatID, err)
				res.trail("dropping %d expired items of %q: %v", len(ids), unit.Title, err)
			case provider.KindAuth:
				unit.Failed += len(ids)
				unit.Status = UnitError
				unit.Error = err.Error()
				res.add(unit)
				return s.finish(res), fmt.Errorf("sweep aborted: %w", err)
			default:
				unit.Failed += len(ids)
				res.trail("failed to delete %d expired items of %q, keeping them queued: %v", len(ids), unit.Title, err)
			}
		}

		if err := l.state.Chats.IncrementCounters(ctx, chatID, 0, unit.Deleted); err != nil {
			res.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to count swept items")
		}
		switch {
		case unit.Failed == 0:
			unit.Status = UnitOK
		case unit.Deleted > 0:
			unit.Status = UnitPartial
		default:
			unit.Status = UnitError
			unit.Error = fmt.Sprintf("%d expired items not deleted", unit.Failed)
		}
		res.add(unit)
	}

	if len(chatIDs) > 0 {
		res.trail("swept %d expired items, %d failed", res.Counts.Deleted, res.Counts.Failed)
	}
	return s.finish(res), nil
}
