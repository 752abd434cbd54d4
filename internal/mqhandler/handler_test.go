package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/service/mailsync"
	"mailpilot/internal/service/token"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/trace"
)

type fakeSyncer struct {
	got   mqcontracts.SyncJobPayload
	trace string
	res   *mailsync.Result
	err   error
}

func (f *fakeSyncer) Sync(ctx context.Context, job mqcontracts.SyncJobPayload) (*mailsync.Result, error) {
	f.got = job
	f.trace = trace.FromContext(ctx)
	if f.err != nil {
		return nil, f.err
	}
	if f.res == nil {
		return &mailsync.Result{}, nil
	}
	return f.res, nil
}

type fakeClassifier struct {
	calls int
	err   error
}

func (f *fakeClassifier) ClassifyBatch(context.Context, mqcontracts.ClassifyJobPayload) error {
	f.calls++
	return f.err
}

type fakeDrafter struct {
	got mqcontracts.DraftJobPayload
}

func (f *fakeDrafter) HandleDraftJob(_ context.Context, job mqcontracts.DraftJobPayload) error {
	f.got = job
	return nil
}

type fakeExecutor struct {
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, job mqcontracts.AutoHandleJobPayload) (*model.AutoHandledRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.AutoHandledRecord{Action: job.Action}, nil
}

func raw(t *testing.T, v any) json.RawMessage {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestSyncHandler_PassesJobAndTrace(t *testing.T) {
	s := &fakeSyncer{res: &mailsync.Result{Stale: true, Cursor: "9"}}
	h := NewSyncHandler(s, zap.NewNop())

	err := h.Handle(context.Background(), raw(t, mqcontracts.SyncJobPayload{
		Type:      mqcontracts.SyncWebhookPush,
		AccountID: 3,
		TraceID:   "trace-1",
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.got.AccountID)
	assert.Equal(t, "trace-1", s.trace)
}

func TestSyncHandler_BadPayloadIsPermanent(t *testing.T) {
	h := NewSyncHandler(&fakeSyncer{}, zap.NewNop())

	assert.True(t, mq.IsPermanent(h.Handle(context.Background(), json.RawMessage(`{`))))
	assert.True(t, mq.IsPermanent(h.Handle(context.Background(), json.RawMessage(`{"type":"incremental"}`))))
}

func TestSyncHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"credential", fmt.Errorf("fetch: %w", token.ErrNoCredential), true},
		{"revoked", fmt.Errorf("%w: invalid_grant", token.ErrRefreshFailed), true},
		{"unknown trigger", fmt.Errorf("%w: %q", mailsync.ErrUnknownTrigger, "bogus"), true},
		{"transient", errors.New("connection reset by peer"), false},
		{"unknown", errors.New("something odd"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewSyncHandler(&fakeSyncer{err: tc.err}, zap.NewNop())
			err := h.Handle(context.Background(), raw(t, mqcontracts.SyncJobPayload{Type: "incremental", AccountID: 1}))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.permanent, mq.IsPermanent(err))
		})
	}
}

func TestClassifyRouter_RoutesByType(t *testing.T) {
	c := &fakeClassifier{}
	d := &fakeDrafter{}
	r := NewClassifyRouter(c, d)

	require.NoError(t, r.Handle(context.Background(), raw(t, mqcontracts.ClassifyJobPayload{
		Type:       mqcontracts.JobClassify,
		MessageIDs: []int64{1, 2},
	})))
	assert.Equal(t, 1, c.calls)

	require.NoError(t, r.Handle(context.Background(), raw(t, mqcontracts.DraftJobPayload{
		Type:         mqcontracts.JobDraftResponse,
		TriageItemID: 8,
		MessageID:    2,
	})))
	assert.Equal(t, int64(8), d.got.TriageItemID)
}

func TestClassifyRouter_EmptyBatchIsNoop(t *testing.T) {
	c := &fakeClassifier{}
	r := NewClassifyRouter(c, &fakeDrafter{})

	require.NoError(t, r.Handle(context.Background(), json.RawMessage(`{"type":"classify","message_ids":[]}`)))
	assert.Zero(t, c.calls)
}

func TestClassifyRouter_RetryableBatchError(t *testing.T) {
	c := &fakeClassifier{err: errors.Join(errors.New("message 1: connection refused"))}
	r := NewClassifyRouter(c, &fakeDrafter{})

	err := r.Handle(context.Background(), json.RawMessage(`{"type":"classify","message_ids":[1]}`))
	require.Error(t, err)
	assert.False(t, mq.IsPermanent(err))
}

func TestAutoHandleHandler(t *testing.T) {
	ok := NewAutoHandleHandler(&fakeExecutor{}, zap.NewNop())
	require.NoError(t, ok.Handle(context.Background(), raw(t, mqcontracts.AutoHandleJobPayload{MessageID: 1, Action: "archived"})))

	failing := NewAutoHandleHandler(&fakeExecutor{err: errors.New("db timeout")}, zap.NewNop())
	err := failing.Handle(context.Background(), raw(t, mqcontracts.AutoHandleJobPayload{MessageID: 1, Action: "archived"}))
	require.Error(t, err)
	assert.False(t, mq.IsPermanent(err))
}
