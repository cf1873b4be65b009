package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/internal/models"
	sweepermodels "github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/provider"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/state"
)

var errNoAccount = errors.New("account not found")

type fakeProvider struct {
	mu sync.Mutex

	owner        models.ProviderUser
	chats        []models.ProviderChat
	messages     map[int64][]models.ProviderMessage
	descriptions map[int64]string

	connectErr   error
	getErrs      map[int64][]error
	deleteErrs   map[int64][]error
	// deleteShort makes a conversation's next delete calls report this many fewer removals.
	deleteShort  map[int64]int
	sendErrs     map[int64]error
	descErrs     map[int64]error
	deleted      map[int64][]int64
	sent         map[int64][]string
	connectCalls int
	deleteCalls  int
	lastRevoke   bool
	sendCalls    int
	nextID       int64
}

func newFakeProvider(owner int64) *fakeProvider {
	return &fakeProvider{
		owner:        models.ProviderUser{ID: owner, FirstName: "Owner"},
		messages:     make(map[int64][]models.ProviderMessage),
		descriptions: make(map[int64]string),
		getErrs:      make(map[int64][]error),
		deleteErrs:   make(map[int64][]error),
		deleteShort:  make(map[int64]int),
		sendErrs:     make(map[int64]error),
		descErrs:     make(map[int64]error),
		deleted:      make(map[int64][]int64),
		sent:         make(map[int64][]string),
		nextID:       10_000,
	}
}

func (f *fakeProvider) addChat(chat models.ProviderChat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, chat)
}

func (f *fakeProvider) addMessage(chatID, id, sender int64, text string, date time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[chatID] = append(f.messages[chatID], models.ProviderMessage{
		ID:       id,
		ChatID:   chatID,
		SenderID: sender,
		Text:     text,
		Date:     date,
		Out:      sender == f.owner.ID,
	})
}

func (f *fakeProvider) setOwner(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner = models.ProviderUser{ID: id, FirstName: "Owner"}
}

func (f *fakeProvider) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeProvider) Me(context.Context) (models.ProviderUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return models.ProviderUser{}, f.connectErr
	}
	return f.owner, nil
}

func (f *fakeProvider) IterChats(_ context.Context, fn func(models.ProviderChat) error) error {
	f.mu.Lock()
	chats := append([]models.ProviderChat(nil), f.chats...)
	f.mu.Unlock()
	for _, c := range chats {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeProvider) GetMessages(_ context.Context, chatID int64, q provider.MessageQuery) ([]models.ProviderMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.getErrs[chatID]; len(errs) > 0 {
		f.getErrs[chatID] = errs[1:]
		return nil, errs[0]
	}

	removed := make(map[int64]bool)
	for _, id := range f.deleted[chatID] {
		removed[id] = true
	}
	var out []models.ProviderMessage
	for _, m := range f.messages[chatID] {
		if removed[m.ID] {
			continue
		}
		if q.OffsetID > 0 && m.ID >= q.OffsetID {
			continue
		}
		if m.ID <= q.MinID {
			continue
		}
		if !q.Since.IsZero() && m.Date.Before(q.Since) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeProvider) DeleteMessages(_ context.Context, chatID int64, ids []int64, revoke bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	f.lastRevoke = revoke
	if errs := f.deleteErrs[chatID]; len(errs) > 0 {
		f.deleteErrs[chatID] = errs[1:]
		if errs[0] != nil {
			return 0, errs[0]
		}
	}
	f.deleted[chatID] = append(f.deleted[chatID], ids...)
	if short := f.deleteShort[chatID]; short > 0 && short <= len(ids) {
		return len(ids) - short, nil
	}
	return len(ids), nil
}

func (f *fakeProvider) SendMessage(_ context.Context, chatID int64, text string) (models.ProviderMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if err := f.sendErrs[chatID]; err != nil {
		return models.ProviderMessage{}, err
	}
	f.nextID++
	f.sent[chatID] = append(f.sent[chatID], text)
	return models.ProviderMessage{ID: f.nextID, ChatID: chatID, SenderID: f.owner.ID, Text: text, Out: true}, nil
}

func (f *fakeProvider) GetChatDescription(_ context.Context, chatID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.descErrs[chatID]; err != nil {
		return "", err
	}
	return f.descriptions[chatID], nil
}

func (f *fakeProvider) Close() error { return nil }

type fakeAccounts map[string]sweepermodels.Account

func (a fakeAccounts) GetAccount(_ context.Context, id string) (sweepermodels.Account, error) {
	acct, ok := a[id]
	if !ok {
		return sweepermodels.Account{}, errNoAccount
	}
	return acct, nil
}

type memoryPersister struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (p *memoryPersister) Backup(_ context.Context, accountID string, dataType sweepermodels.DataType, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	p.blobs[accountID+"/"+string(dataType)] = raw
	return nil
}

func (p *memoryPersister) RestoreInto(_ context.Context, accountID string, dataType sweepermodels.DataType, v any) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.blobs[accountID+"/"+string(dataType)]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (p *memoryPersister) Delete(_ context.Context, accountID string, dataType sweepermodels.DataType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blobs, accountID+"/"+string(dataType))
	return nil
}

type harness struct {
	svc      *Service
	fake     *fakeProvider
	registry *state.Registry
	now      time.Time
	sleeps   []time.Duration
}

const ownerID = 42

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		fake: newFakeProvider(ownerID),
		now:  time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.registry = state.NewRegistry(&memoryPersister{blobs: map[string][]byte{}}, zerolog.Nop())
	h.registry.SetClock(func() time.Time { return h.now })
	accounts := fakeAccounts{
		"acc":   {ID: "acc", SessionHandle: "session-acc"},
		"other": {ID: "other", SessionHandle: "session-other"},
		"bare":  {ID: "bare"},
	}
	h.svc = NewService(cfg, accounts, func(string) provider.Provider { return h.fake }, h.registry, zerolog.Nop())
	h.svc.now = func() time.Time { return h.now }
	h.svc.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) account(t *testing.T) *state.Account {
	t.Helper()
	acct, err := h.registry.For(context.Background(), "acc")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	return acct
}

func group(id int64, title string, members int) models.ProviderChat {
	return models.ProviderChat{ID: id, Title: title, Type: models.ChatTypeSupergroup, MemberCount: members}
}
