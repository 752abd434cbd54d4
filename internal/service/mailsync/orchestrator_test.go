package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/provider"
	"mailpilot/internal/provider/providertest"
	"mailpilot/pkg/outbox"
)

type memAccounts struct {
	mu       sync.Mutex
	acct     model.MailAccount
	statuses []model.SyncStatus
}

func (m *memAccounts) GetAccount(_ context.Context, id int64) (*model.MailAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.acct.ID {
		return nil, model.ErrNotFound
	}
	cp := m.acct
	return &cp, nil
}

func (m *memAccounts) set(status model.SyncStatus) {
	m.acct.SyncStatus = status
	m.statuses = append(m.statuses, status)
}

func (m *memAccounts) MarkSyncing(_ context.Context, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(model.SyncStatusSyncing)
	return nil
}

func (m *memAccounts) MarkSyncFailed(_ context.Context, _ int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(model.SyncStatusError)
	m.acct.SyncError = reason
	return nil
}

func (m *memAccounts) MarkSynced(_ context.Context, _ int64, cursor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(model.SyncStatusSynced)
	m.acct.SyncCursor = cursor
	m.acct.SyncError = ""
	m.acct.LastSyncAt = &at
	return nil
}

type memMessages struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]int64
	jobs   []outbox.Job
	err    error
}

func newMemMessages() *memMessages {
	return &memMessages{rows: map[string]int64{}}
}

func (m *memMessages) SaveSyncBatch(_ context.Context, accountID int64, msgs []model.Message, follow func([]int64) []outbox.Job) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var inserted []int64
	for _, msg := range msgs {
		key := fmt.Sprintf("%d/%s", accountID, msg.ProviderMessageID)
		if _, ok := m.rows[key]; ok {
			continue
		}
		m.nextID++
		m.rows[key] = m.nextID
		inserted = append(inserted, m.nextID)
	}
	if len(inserted) > 0 {
		m.jobs = append(m.jobs, follow(inserted)...)
	}
	return inserted, nil
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) GetValidAccessToken(context.Context, int64) (string, error) {
	return s.token, s.err
}

var now = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	accounts *memAccounts
	messages *memMessages
	fake     *providertest.Fake
	orch     *Orchestrator
}

func newHarness(cursor string) *harness {
	h := &harness{
		accounts: &memAccounts{acct: model.MailAccount{
			ID:         7,
			UserID:     3,
			Provider:   "gmail",
			SyncCursor: cursor,
			SyncStatus: model.SyncStatusPending,
			IsActive:   true,
		}},
		messages: newMemMessages(),
		fake:     providertest.New("gmail"),
	}
	h.orch = NewOrchestrator(h.accounts, h.messages, staticTokens{token: "tok"}, provider.NewRegistry(h.fake), zap.NewNop())
	h.orch.now = func() time.Time { return now }
	return h
}

func msgs(ids ...string) []model.Message {
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Message{ProviderMessageID: id})
	}
	return out
}

func TestSync_InitialUsesThirtyDayWindow(t *testing.T) {
	h := newHarness("")
	h.fake.InitialResult = &provider.SyncResult{Messages: msgs("a", "b"), Cursor: "C1"}

	res, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: mqcontracts.SyncInitial, AccountID: 7})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, res.Inserted)

	calls := h.fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "InitialSync", calls[0].Op)
	assert.Equal(t, "tok", calls[0].Token)
	assert.Equal(t, now.Add(-30*24*time.Hour).Format(time.RFC3339), calls[0].Arg)

	assert.Equal(t, []model.SyncStatus{model.SyncStatusSyncing, model.SyncStatusSynced}, h.accounts.statuses)
	assert.Equal(t, "C1", h.accounts.acct.SyncCursor)
	require.NotNil(t, h.accounts.acct.LastSyncAt)

	require.Len(t, h.messages.jobs, 1)
	payload := h.messages.jobs[0].Payload.(mqcontracts.ClassifyJobPayload)
	assert.Equal(t, mqcontracts.RoutingKeyClassify, h.messages.jobs[0].RoutingKey)
	assert.Equal(t, []int64{1, 2}, payload.MessageIDs)
	assert.Equal(t, int64(3), payload.UserID)
}

func TestSync_IncrementalWithNothingNew(t *testing.T) {
	h := newHarness("C1")
	h.fake.IncrementalResult = &provider.SyncResult{Cursor: "C2"}

	res, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: mqcontracts.SyncIncremental, AccountID: 7})
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)
	assert.Equal(t, model.SyncStatusSynced, h.accounts.acct.SyncStatus)
	assert.Equal(t, "C2", h.accounts.acct.SyncCursor)
	assert.Empty(t, h.messages.jobs)

	calls := h.fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "C1", calls[0].Arg)
}

func TestSync_IncrementalWithoutCursorIsNoop(t *testing.T) {
	h := newHarness("")

	_, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: mqcontracts.SyncIncremental, AccountID: 7})
	require.NoError(t, err)
	assert.Empty(t, h.fake.Calls())
	assert.Equal(t, model.SyncStatusSynced, h.accounts.acct.SyncStatus)
}

func TestSync_WebhookUsesPushedMarker(t *testing.T) {
	h := newHarness("C1")
	h.fake.IncrementalResult = &provider.SyncResult{Messages: msgs("x"), Cursor: "H9"}

	_, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{
		Type:          mqcontracts.SyncWebhookPush,
		AccountID:     7,
		HistoryMarker: "H5",
	})
	require.NoError(t, err)
	assert.Equal(t, "H5", h.fake.Calls()[0].Arg)
	assert.Equal(t, "H9", h.accounts.acct.SyncCursor)
}

func TestSync_WebhookStartsFromEarlierHistoryID(t *testing.T) {
	h := newHarness("100")
	h.fake.IncrementalResult = &provider.SyncResult{Messages: msgs("x"), Cursor: "160"}

	_, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{
		Type:          mqcontracts.SyncWebhookPush,
		AccountID:     7,
		HistoryMarker: "150",
	})
	require.NoError(t, err)
	assert.Equal(t, "100", h.fake.Calls()[0].Arg)
	assert.Equal(t, "160", h.accounts.acct.SyncCursor)
	assert.Len(t, h.messages.jobs, 1)
}

func TestPushCursor(t *testing.T) {
	assert.Equal(t, "100", pushCursor("100", "150"))
	assert.Equal(t, "90", pushCursor("100", "90"))
	assert.Equal(t, "100", pushCursor("100", ""))
	assert.Equal(t, "150", pushCursor("", "150"))
	assert.Equal(t, "H5", pushCursor("C1", "H5"))
}

func TestSync_ProviderFailureMarksError(t *testing.T) {
	h := newHarness("C1")
	h.fake.IncrementalErr = errors.New("429 rate limited")

	_, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: mqcontracts.SyncIncremental, AccountID: 7})
	require.Error(t, err)
	assert.Equal(t, model.SyncStatusError, h.accounts.acct.SyncStatus)
	assert.Contains(t, h.accounts.acct.SyncError, "rate limited")
	assert.Equal(t, "C1", h.accounts.acct.SyncCursor)
}

func TestSync_TokenFailureMarksError(t *testing.T) {
	h := newHarness("C1")
	h.orch.tokens = staticTokens{err: errors.New("no usable credential")}

	_, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: mqcontracts.SyncIncremental, AccountID: 7})
	require.Error(t, err)
	assert.Equal(t, model.SyncStatusError, h.accounts.acct.SyncStatus)
	assert.Empty(t, h.fake.Calls())
}

func TestSync_SkipsInactiveAndMissingAccounts(t *testing.T) {
	h := newHarness("C1")
	h.accounts.acct.IsActive = false

	res, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: mqcontracts.SyncIncremental, AccountID: 7})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.fake.Calls())
	assert.Empty(t, h.accounts.statuses)

	res, err = h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: mqcontracts.SyncIncremental, AccountID: 404})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestSync_UnknownTrigger(t *testing.T) {
	h := newHarness("C1")
	_, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: "full", AccountID: 7})
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestSync_StaleCursorKeepsCursor(t *testing.T) {
	h := newHarness("C1")
	h.fake.IncrementalResult = &provider.SyncResult{Cursor: "C1", Stale: true}

	res, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: mqcontracts.SyncIncremental, AccountID: 7})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, "C1", h.accounts.acct.SyncCursor)
	assert.Equal(t, model.SyncStatusSynced, h.accounts.acct.SyncStatus)
}

func TestClassifyJobs_Batches(t *testing.T) {
	ids := make([]int64, 120)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	jobs := classifyJobs(1, ids, "t")
	require.Len(t, jobs, 3)
	assert.Len(t, jobs[0].Payload.(mqcontracts.ClassifyJobPayload).MessageIDs, 50)
	assert.Len(t, jobs[2].Payload.(mqcontracts.ClassifyJobPayload).MessageIDs, 20)
	assert.Empty(t, classifyJobs(1, nil, "t"))
}

func TestSync_OverlappingInitialRunsNeverDuplicate(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("every provider id is inserted and classified exactly once", prop.ForAll(
		func(first, second []int) bool {
			h := newHarness("")
			run := func(ids []int) error {
				var names []string
				for _, id := range ids {
					names = append(names, fmt.Sprintf("m%d", id))
				}
				h.fake.InitialResult = &provider.SyncResult{Messages: msgs(names...), Cursor: "C"}
				_, err := h.orch.Sync(context.Background(), mqcontracts.SyncJobPayload{Type: mqcontracts.SyncInitial, AccountID: 7})
				return err
			}
			if run(first) != nil || run(second) != nil {
				return false
			}

			distinct := map[int]struct{}{}
			for _, id := range append(append([]int(nil), first...), second...) {
				distinct[id] = struct{}{}
			}
			classified := 0
			for _, j := range h.messages.jobs {
				classified += len(j.Payload.(mqcontracts.ClassifyJobPayload).MessageIDs)
			}
			return len(h.messages.rows) == len(distinct) && classified == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 40)),
		gen.SliceOf(gen.IntRange(0, 40)),
	))

	properties.TestingRun(t)
}
