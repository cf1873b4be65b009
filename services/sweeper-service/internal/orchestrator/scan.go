package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stoik/chatsweep/internal/models"
	sweepermodels "github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/provider"
)

// ScanOptions narrows a scan.
type ScanOptions struct {
	// ChatIDs restricts the scan to these conversations when set.
	ChatIDs []int64
	// Since is an explicit filter date. Items older than it are never collected.
	Since time.Time
	// Query keeps only items whose text contains it, case-insensitively.
	Query string
	// BatchSize overrides Config.ScanBatchSize when positive.
	BatchSize int
	// Pause is checked between conversations. When it returns true the run stops and resumes
	// from the checkpoints on the next scan.
	Pause func() bool
}

// scanWindow is the range of items one conversation pass may collect.
type scanWindow struct {
	// minID excludes items at or below it.
	minID int64
	// floor excludes items dated before it when non-zero.
	floor       time.Time
	incremental bool
}

// windowFor computes the lower bound of a pass. A conversation scanned less than ScanWindow ago
// is only scanned for items newer than its checkpoint; any other, or one whose last pass ended on
// the boundary heuristic, reaches back ScanWindow. An explicit since date narrows either.
func windowFor(cp sweepermodels.ScanCheckpoint, now, since time.Time) scanWindow {
	var w scanWindow
	if cp.LastScan != nil && now.Sub(*cp.LastScan) < ScanWindow && !cp.HasUnscannedWindow {
		w.incremental = true
		w.minID = cp.Cursor
		if cp.Cursor == 0 {
			w.floor = cp.LastScan.Add(-time.Second)
		}
	} else {
		w.floor = now.Add(-ScanWindow)
	}
	if !since.IsZero() && since.After(w.floor) {
		w.floor = since
	}
	return w
}

type scanPass struct {
	found    []sweepermodels.FoundItem
	examined int
	maxID    int64
	// lowestID is the oldest in-window item seen.
	lowestID int64
	// boundary is set when the pass ended on the consecutive-miss heuristic.
	boundary bool
}

// Scan enumerates the account's conversations, then collects the owner's items from every
// eligible one, strictly one conversation at a time.
func (s *Service) Scan(ctx context.Context, accountID string, opts ScanOptions) (*Result, error) {
	l, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer l.release()

	res := s.newResult(OpScan, accountID, l.log)
	cps := l.state.Checkpoints

	eligible, err := s.discover(ctx, l, res, opts)
	if err != nil {
		s.setProgressStatus(ctx, l, res, sweepermodels.ProgressError)
		return s.finish(res), err
	}

	started := s.now()
	scanning := sweepermodels.ProgressScanning
	total, count, zero := res.Counts.Total, len(eligible), 0
	var current int64
	queued := make([]sweepermodels.ChatSummary, 0, len(eligible))
	for _, chat := range eligible {
		queued = append(queued, sweepermodels.ChatSummary{
			ChatID:    chat.ID,
			Title:     chat.Title,
			State:     sweepermodels.ScanStateQueued,
			UpdatedAt: started,
		})
	}
	if err := cps.UpdateProgress(ctx, sweepermodels.ProgressUpdate{
		Status:      &scanning,
		RunID:       &res.RunID,
		TotalChats:  &total,
		Eligible:    &count,
		Processed:   &zero,
		TotalFound:  &zero,
		CurrentChat: &current,
		StartedAt:   &started,
		Chats:       queued,
	}); err != nil {
		res.trail("failed to record scan progress: %v", err)
	}

	totalFound := 0
	for i, chat := range eligible {
		if s.shouldPause(ctx, opts.Pause) {
			res.Paused = true
			res.trail("scan paused before %q, %d of %d conversations done", chat.Title, i, len(eligible))
			break
		}

		unit, err := s.scanChat(ctx, l, res, chat, opts)
		res.add(unit)
		totalFound += unit.Found

		processed := i + 1
		if perr := cps.UpdateProgress(ctx, sweepermodels.ProgressUpdate{
			Processed:   &processed,
			TotalFound:  &totalFound,
			CurrentChat: &chat.ID,
			Chats: []sweepermodels.ChatSummary{{
				ChatID:    chat.ID,
				Title:     chat.Title,
				State:     summaryState(unit),
				Found:     unit.Found,
				Scanned:   unit.Scanned,
				Error:     unit.Error,
				UpdatedAt: s.now(),
			}},
		}); perr != nil {
			res.trail("failed to record scan progress: %v", perr)
		}

		if provider.Classify(err) == provider.KindAuth {
			s.setProgressStatus(ctx, l, res, sweepermodels.ProgressError)
			return s.finish(res), fmt.Errorf("scan aborted: %w", err)
		}
	}

	final := sweepermodels.ProgressDone
	if res.Paused {
		final = sweepermodels.ProgressPaused
	}
	s.setProgressStatus(ctx, l, res, final)
	res.trail("scan finished: %d conversations, %d items found", res.Counts.Processed, res.Counts.Found)
	return s.finish(res), nil
}

// discover is the first scan phase: enumerate every conversation once and classify it.
func (s *Service) discover(ctx context.Context, l *lease, res *Result, opts ScanOptions) ([]models.ProviderChat, error) {
	chats, err := withRetry(ctx, s.retry(res.log), "iter_chats", func(ctx context.Context) ([]models.ProviderChat, error) {
		var all []models.ProviderChat
		err := l.client.IterChats(ctx, func(c models.ProviderChat) error {
			all = append(all, c)
			return nil
		})
		return all, err
	})
	if err != nil {
		res.trail("failed to enumerate conversations: %v", err)
		return nil, fmt.Errorf("failed to enumerate conversations: %w", err)
	}

	only := make(map[int64]bool, len(opts.ChatIDs))
	for _, id := range opts.ChatIDs {
		only[id] = true
	}

	var eligible []models.ProviderChat
	observed := make([]sweepermodels.ChatScanRecord, 0, len(chats))
	for _, chat := range chats {
		if len(only) > 0 && !only[chat.ID] {
			continue
		}
		res.Counts.Total++
		observed = append(observed, s.identityRecord(chat))

		ok, reason := s.eligible(chat)
		s.notify("scan.discovered", map[string]any{
			"account_id": l.accountID,
			"chat_id":    chat.ID,
			"title":      chat.Title,
			"eligible":   ok,
			"reason":     reason,
		})
		if !ok {
			res.add(UnitOutcome{ChatID: chat.ID, Title: chat.Title, Status: UnitSkipped, Error: reason})
			continue
		}
		eligible = append(eligible, chat)
	}

	if _, _, err := l.state.Chats.UpsertFromScan(ctx, observed); err != nil {
		res.trail("failed to record discovered conversations: %v", err)
	}

	// Never-scanned and least recently scanned conversations go first so that a capped batch
	// eventually covers every conversation.
	lastScan := func(id int64) time.Time {
		if cp, ok := l.state.Checkpoints.Get(id, false); ok && cp.LastScan != nil {
			return *cp.LastScan
		}
		return time.Time{}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return lastScan(eligible[i].ID).Before(lastScan(eligible[j].ID))
	})

	batch := s.cfg.ScanBatchSize
	if opts.BatchSize > 0 {
		batch = opts.BatchSize
	}
	if batch > 0 && len(eligible) > batch {
		eligible = eligible[:batch]
	}
	res.Counts.Eligible = len(eligible)
	res.trail("discovered %d conversations, %d eligible", res.Counts.Total, len(eligible))
	return eligible, nil
}

func (s *Service) eligible(chat models.ProviderChat) (bool, string) {
	if chat.IsPrivate() {
		return false, "private conversation"
	}
	if chat.MemberCount <= s.cfg.MinMembers {
		return false, fmt.Sprintf("member count %d at or below %d", chat.MemberCount, s.cfg.MinMembers)
	}
	return true, ""
}

func (s *Service) identityRecord(chat models.ProviderChat) sweepermodels.ChatScanRecord {
	platform, title, chatType, members := s.cfg.Platform, chat.Title, string(chat.Type), chat.MemberCount
	rec := sweepermodels.ChatScanRecord{
		ID:          chat.ID,
		Platform:    &platform,
		Title:       &title,
		Type:        &chatType,
		MemberCount: &members,
	}
	if chat.Username != "" {
		username := chat.Username
		rec.Username = &username
	}
	return rec
}

// scanChat is one conversation pass of the second scan phase. Its checkpoint is committed with a
// fresh last scan date whether or not anything matched.
func (s *Service) scanChat(ctx context.Context, l *lease, res *Result, chat models.ProviderChat, opts ScanOptions) (UnitOutcome, error) {
	unit := UnitOutcome{ChatID: chat.ID, Title: chat.Title}
	cps := l.state.Checkpoints
	log := res.log.With().Int64("chat_id", chat.ID).Logger()

	cp, _ := cps.Get(chat.ID, false)
	now := s.now()
	w := windowFor(cp, now, opts.Since)

	if err := cps.Patch(ctx, chat.ID, func(c *sweepermodels.ScanCheckpoint) {
		c.ChatTitle = chat.Title
		c.MemberCount = chat.MemberCount
		c.ScanState = sweepermodels.ScanStateRunning
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to mark conversation running")
	}
	s.notify("scan.chat_started", map[string]any{
		"account_id":  l.accountID,
		"chat_id":     chat.ID,
		"title":       chat.Title,
		"incremental": w.incremental,
		"floor":       w.floor,
	})

	pass, err := s.collect(ctx, l, res, chat, w, opts.Query)
	if err == nil {
		err = l.state.Items.ReplaceChatMessages(ctx, chat.ID, mergeWindow(pass, l.state.Items.LiveItems(chat.ID)))
	}
	if err != nil {
		return s.failScanChat(ctx, l, res, unit, err), err
	}

	live := len(l.state.Items.LiveItems(chat.ID))
	state := sweepermodels.ScanStateDone
	if pass.boundary {
		state = sweepermodels.ScanStatePartial
	}
	if err := cps.Patch(ctx, chat.ID, func(c *sweepermodels.ScanCheckpoint) {
		if pass.maxID > c.Cursor {
			c.Cursor = pass.maxID
		}
		scanned := now
		c.LastScan = &scanned
		c.TotalItemsFound = live
		c.ScannedCount = pass.examined
		if pass.examined > c.TotalEstimate {
			c.TotalEstimate = pass.examined
		}
		c.HasUnscannedWindow = pass.boundary
		c.ScanState = state
	}); err != nil {
		return s.failScanChat(ctx, l, res, unit, err), err
	}

	found, scannedAt := live, now
	rec := s.identityRecord(chat)
	rec.FoundCount = &found
	rec.ScannedAt = &scannedAt
	if _, _, err := l.state.Chats.UpsertFromScan(ctx, []sweepermodels.ChatScanRecord{rec}); err != nil {
		log.Warn().Err(err).Msg("Failed to update chat record")
	}

	unit.Status = UnitOK
	if pass.boundary {
		unit.Status = UnitPartial
	}
	unit.Found = len(pass.found)
	unit.Scanned = pass.examined
	res.trail("scanned %q: %d examined, %d new matches, %d indexed", chat.Title, pass.examined, len(pass.found), live)
	s.notify("scan.chat_done", map[string]any{
		"account_id": l.accountID,
		"chat_id":    chat.ID,
		"found":      len(pass.found),
		"indexed":    live,
		"scanned":    pass.examined,
		"boundary":   pass.boundary,
	})
	return unit, nil
}

func (s *Service) failScanChat(ctx context.Context, l *lease, res *Result, unit UnitOutcome, err error) UnitOutcome {
	if perr := l.state.Checkpoints.Patch(ctx, unit.ChatID, func(c *sweepermodels.ScanCheckpoint) {
		c.ScanState = sweepermodels.ScanStateError
	}); perr != nil {
		res.log.Warn().Err(perr).Int64("chat_id", unit.ChatID).Msg("Failed to mark conversation errored")
	}
	s.markPermission(ctx, l, res, unit.ChatID, err)

	unit.Status = UnitError
	unit.Error = err.Error()
	res.trail("scan of %q failed: %v", unit.Title, err)
	s.notify("scan.chat_error", map[string]any{
		"account_id": l.accountID,
		"chat_id":    unit.ChatID,
		"error":      err.Error(),
		"kind":       provider.Classify(err).String(),
	})
	return unit
}

// collect pages through a conversation newest-first and gathers the owner's items inside the
// window. Items dated before the floor are skipped, and BoundaryLimit consecutive ones end the
// pass. Ending that way before any in-window item was seen marks the pass as a boundary stop.
func (s *Service) collect(ctx context.Context, l *lease, res *Result, chat models.ProviderChat, w scanWindow, query string) (scanPass, error) {
	var pass scanPass
	policy := s.retry(res.log)
	query = strings.ToLower(query)

	var offset int64
	inWindow, misses := 0, 0
	for {
		q := provider.MessageQuery{OffsetID: offset, MinID: w.minID, Limit: s.cfg.PageSize}
		msgs, err := withRetry(ctx, policy, "get_messages", func(ctx context.Context) ([]models.ProviderMessage, error) {
			return l.client.GetMessages(ctx, chat.ID, q)
		})
		if err != nil {
			return pass, err
		}

		for _, m := range msgs {
			if m.ID <= w.minID {
				return pass, nil
			}
			pass.examined++
			if m.ID > pass.maxID {
				pass.maxID = m.ID
			}
			offset = m.ID

			if !w.floor.IsZero() && m.Date.Before(w.floor) {
				misses++
				if misses >= BoundaryLimit {
					pass.boundary = inWindow == 0
					return pass, nil
				}
				continue
			}
			inWindow++
			misses = 0
			if pass.lowestID == 0 || m.ID < pass.lowestID {
				pass.lowestID = m.ID
			}
			if s.matches(m, l.owner.ID, query) {
				pass.found = append(pass.found, s.foundItem(chat, m, l.owner))
			}
		}

		if len(msgs) < s.cfg.PageSize {
			return pass, nil
		}
	}
}

func (s *Service) matches(m models.ProviderMessage, ownerID int64, query string) bool {
	if !m.Out && m.SenderID != ownerID {
		return false
	}
	return query == "" || strings.Contains(strings.ToLower(m.Text), query)
}

func (s *Service) foundItem(chat models.ProviderChat, m models.ProviderMessage, owner models.ProviderUser) sweepermodels.FoundItem {
	item := sweepermodels.FoundItem{
		ChatID:    chat.ID,
		ChatTitle: chat.Title,
		ItemID:    m.ID,
		Content:   m.Text,
		Date:      m.Date,
		Sender:    owner.DisplayName(),
		CanDelete: true,
		Metadata:  map[string]string{"chat_type": string(chat.Type)},
	}
	if s.cfg.LinkBase != "" && chat.Username != "" {
		item.Link = fmt.Sprintf("%s/%s/%d", strings.TrimRight(s.cfg.LinkBase, "/"), chat.Username, m.ID)
	}
	return item
}

// mergeWindow builds the new live set of a conversation: everything found by the pass plus the
// previously live items older than anything the pass saw inside its window.
func mergeWindow(pass scanPass, previous []sweepermodels.FoundItem) []sweepermodels.FoundItem {
	out := append([]sweepermodels.FoundItem(nil), pass.found...)
	for _, item := range previous {
		if pass.lowestID == 0 || item.ItemID < pass.lowestID {
			out = append(out, item)
		}
	}
	return out
}

func summaryState(u UnitOutcome) sweepermodels.ScanState {
	switch u.Status {
	case UnitOK:
		return sweepermodels.ScanStateDone
	case UnitPartial:
		return sweepermodels.ScanStatePartial
	case UnitSkipped:
		return sweepermodels.ScanStateIdle
	default:
		return sweepermodels.ScanStateError
	}
}

func (s *Service) shouldPause(ctx context.Context, pause func() bool) bool {
	if ctx.Err() != nil {
		return true
	}
	return pause != nil && pause()
}

func (s *Service) setProgressStatus(ctx context.Context, l *lease, res *Result, status sweepermodels.ProgressStatus) {
	if err := l.state.Checkpoints.UpdateProgress(ctx, sweepermodels.ProgressUpdate{Status: &status}); err != nil {
		res.trail("failed to record scan progress: %v", err)
	}
}
