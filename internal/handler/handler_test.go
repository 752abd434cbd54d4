package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/oauthstate"
	"mailpilot/internal/provider"
	"mailpilot/internal/provider/providertest"
	"mailpilot/internal/service/token"
	"mailpilot/internal/service/triage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func asUser(userID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

func do(r http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []mqcontracts.SyncJobPayload
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, payload.(mqcontracts.SyncJobPayload))
	return nil
}

// --- OAuth ---

type fakeConnector struct {
	got *model.MailAccount
	err error
}

func (f *fakeConnector) Connect(_ context.Context, acct *model.MailAccount, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	acct.ID = 55
	f.got = acct
	return true, nil
}

func oauthRouter(fake *providertest.Fake, conn *fakeConnector, successURL string) (*gin.Engine, *oauthstate.Signer) {
	signer := oauthstate.NewSigner("state-secret")
	h := NewOAuthHandler(signer, provider.NewRegistry(fake), conn, successURL, zap.NewNop())
	r := gin.New()
	r.GET("/api/oauth/:provider/callback", h.Callback)
	r.GET("/api/oauth/:provider/connect", asUser(7), h.Connect)
	return r, signer
}

func TestOAuth_ConnectReturnsSignedURL(t *testing.T) {
	fake := providertest.New("gmail")
	r, signer := oauthRouter(fake, &fakeConnector{}, "")

	w := do(r, http.MethodGet, "/api/oauth/gmail/connect", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		AuthURL string `json:"auth_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	_, state, found := strings.Cut(body.AuthURL, "state=")
	require.True(t, found)
	userID, err := signer.Verify(state)
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/oauth/imap/connect", nil).Code)
}

func TestOAuth_CallbackStoresAccount(t *testing.T) {
	fake := providertest.New("gmail")
	fake.ExchangeResult = &provider.Credentials{
		AccessToken:  "at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(time.Hour),
		EmailAddress: "me@example.com",
	}
	conn := &fakeConnector{}
	r, signer := oauthRouter(fake, conn, "")

	w := do(r, http.MethodGet, "/api/oauth/gmail/callback?code=abc&state="+signer.Issue(7), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, conn.got)
	assert.Equal(t, int64(7), conn.got.UserID)
	assert.Equal(t, "gmail", conn.got.Provider)
	assert.Equal(t, "me@example.com", conn.got.EmailAddress)
	assert.Equal(t, "rt", conn.got.RefreshToken)
	assert.Equal(t, 1, fake.Count("ExchangeCode"))
}

func TestOAuth_CallbackRedirectsWhenConfigured(t *testing.T) {
	fake := providertest.New("gmail")
	fake.ExchangeResult = &provider.Credentials{AccessToken: "at", EmailAddress: "me@example.com"}
	r, signer := oauthRouter(fake, &fakeConnector{}, "https://app.example/settings?tab=mail")

	w := do(r, http.MethodGet, "/api/oauth/gmail/callback?code=abc&state="+signer.Issue(7), nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://app.example/settings?account_id=55&tab=mail", w.Header().Get("Location"))
}

func TestOAuth_CallbackRejections(t *testing.T) {
	fake := providertest.New("gmail")
	fake.ExchangeErr = errors.New("invalid_grant")
	r, signer := oauthRouter(fake, &fakeConnector{}, "")
	valid := signer.Issue(7)
	flipped := "0"
	if valid[0] == '0' {
		flipped = "1"
	}

	cases := []struct {
		name   string
		query  string
		status int
	}{
		{"denied", "?error=access_denied", http.StatusBadRequest},
		{"tampered state", "?code=abc&state=" + flipped + valid[1:], http.StatusBadRequest},
		{"garbage state", "?code=abc&state=nope", http.StatusBadRequest},
		{"missing code", "?state=" + valid, http.StatusBadRequest},
		{"exchange fails", "?code=abc&state=" + valid, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, http.MethodGet, "/api/oauth/gmail/callback"+tc.query, nil)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

// --- Webhook ---

type fakeLookup struct {
	accounts []model.MailAccount
	address  string
	err      error
}

func (f *fakeLookup) FindActiveByAddress(_ context.Context, _, address string) ([]model.MailAccount, error) {
	f.address = address
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts, nil
}

type memDeduper struct {
	seen map[string]bool
}

func (d *memDeduper) AcquireOnce(_ context.Context, scope, id string) bool {
	key := scope + ":" + id
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

func (d *memDeduper) Release(_ context.Context, scope, id string) {
	delete(d.seen, scope+":"+id)
}

func pushBody(t *testing.T, messageID, address string, historyID int64) map[string]any {
	data, err := json.Marshal(map[string]any{"emailAddress": address, "historyId": historyID})
	require.NoError(t, err)
	return map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": messageID,
		},
		"subscription": "projects/p/subscriptions/s",
	}
}

func webhookRouter(lookup *fakeLookup, pub *recordingPublisher, verify string) *gin.Engine {
	h := NewWebhookHandler(lookup, &memDeduper{seen: map[string]bool{}}, pub, verify, zap.NewNop())
	r := gin.New()
	r.POST("/api/webhooks/gmail", h.GmailPush)
	return r
}

func TestWebhook_EnqueuesPushSyncOncePerMessage(t *testing.T) {
	lookup := &fakeLookup{accounts: []model.MailAccount{{ID: 3, UserID: 7}}}
	pub := &recordingPublisher{}
	r := webhookRouter(lookup, pub, "")

	w := do(r, http.MethodPost, "/api/webhooks/gmail", pushBody(t, "m-1", "me@example.com", 9876))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, mqcontracts.SyncWebhookPush, pub.jobs[0].Type)
	assert.Equal(t, int64(3), pub.jobs[0].AccountID)
	assert.Equal(t, "9876", pub.jobs[0].HistoryMarker)
	assert.Equal(t, "me@example.com", lookup.address)

	// Pub/Sub 重投
	w = do(r, http.MethodPost, "/api/webhooks/gmail", pushBody(t, "m-1", "me@example.com", 9876))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")
	assert.Len(t, pub.jobs, 1)
}

func TestWebhook_FailedPushIsRetriedOnRedelivery(t *testing.T) {
	lookup := &fakeLookup{accounts: []model.MailAccount{{ID: 3, UserID: 7}}, err: errors.New("db down")}
	pub := &recordingPublisher{}
	r := webhookRouter(lookup, pub, "")

	w := do(r, http.MethodPost, "/api/webhooks/gmail", pushBody(t, "m-1", "me@example.com", 10))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	lookup.err = nil
	pub.err = errors.New("broker down")
	w = do(r, http.MethodPost, "/api/webhooks/gmail", pushBody(t, "m-1", "me@example.com", 10))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	pub.err = nil
	w = do(r, http.MethodPost, "/api/webhooks/gmail", pushBody(t, "m-1", "me@example.com", 10))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "queued")
	assert.Len(t, pub.jobs, 1)
}

func TestWebhook_VerificationToken(t *testing.T) {
	pub := &recordingPublisher{}
	r := webhookRouter(&fakeLookup{accounts: []model.MailAccount{{ID: 3}}}, pub, "s3cret")

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/api/webhooks/gmail?token=wrong", pushBody(t, "m-1", "a@b.c", 1)).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/webhooks/gmail?token=s3cret", pushBody(t, "m-1", "a@b.c", 1)).Code)
	assert.Len(t, pub.jobs, 1)
}

func TestWebhook_BadEnvelopeAndUnknownMailbox(t *testing.T) {
	pub := &recordingPublisher{}
	r := webhookRouter(&fakeLookup{}, pub, "")

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/webhooks/gmail", map[string]any{"message": map[string]any{}}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/webhooks/gmail", map[string]any{
		"message": map[string]any{"data": "!!notbase64", "messageId": "x"},
	}).Code)

	w := do(r, http.MethodPost, "/api/webhooks/gmail", pushBody(t, "m-2", "nobody@example.com", 1))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
	assert.Empty(t, pub.jobs)
}

// --- Triage ---

type fakeEngine struct {
	req   triage.ActionRequest
	err   error
	count int64
}

func (f *fakeEngine) Execute(_ context.Context, _, itemID int64, req triage.ActionRequest) (*model.TriageItem, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &model.TriageItem{ID: itemID, Status: model.TriageStatusActed}, nil
}

func (f *fakeEngine) CountPending(context.Context, int64) (int64, error) {
	return f.count, nil
}

type fakeReader struct{}

func (fakeReader) ListPending(_ context.Context, userID int64, limit int) ([]*model.TriageItem, error) {
	return []*model.TriageItem{{ID: 1, UserID: userID, Title: "Urgent: contract", Status: model.TriageStatusPending}}, nil
}

func (fakeReader) ListAutoHandled(context.Context, int64, int) ([]model.AutoHandledRecord, error) {
	return nil, nil
}

func triageRouter(engine *fakeEngine) *gin.Engine {
	h := NewTriageHandler(engine, fakeReader{}, zap.NewNop())
	r := gin.New()
	g := r.Group("/api", asUser(7))
	g.GET("/triage", h.List)
	g.GET("/triage/counts", h.Counts)
	g.POST("/triage/:id/actions", h.Act)
	g.GET("/auto-handled", h.AutoHandled)
	return r
}

func TestTriage_ActAndCounts(t *testing.T) {
	engine := &fakeEngine{count: 4}
	r := triageRouter(engine)

	w := do(r, http.MethodPost, "/api/triage/12/actions", map[string]any{"action": "send-draft", "body": "On it."})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.ActionSendDraft, engine.req.Action)
	assert.Equal(t, "On it.", engine.req.Body)
	assert.JSONEq(t, `{"id":12,"status":"acted"}`, w.Body.String())

	w = do(r, http.MethodGet, "/api/triage/counts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pending":4}`, w.Body.String())

	w = do(r, http.MethodGet, "/api/triage?limit=1000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"title":"Urgent: contract"`)

	w = do(r, http.MethodGet, "/api/auto-handled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"records":[]}`, w.Body.String())
}

func TestTriage_ActErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{model.ErrNotFound, http.StatusNotFound},
		{triage.ErrNotPending, http.StatusConflict},
		{triage.ErrEmptyDraft, http.StatusUnprocessableEntity},
		{triage.ErrUnknownAction, http.StatusUnprocessableEntity},
		{token.ErrNoCredential, http.StatusConflict},
		{errors.New("gmail 503"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			r := triageRouter(&fakeEngine{err: tc.err})
			w := do(r, http.MethodPost, "/api/triage/1/actions", map[string]any{"action": "archive"})
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestTriage_BadRequests(t *testing.T) {
	r := triageRouter(&fakeEngine{})

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/triage/abc/actions", map[string]any{"action": "archive"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/triage/1/actions", map[string]any{}).Code)
}

// --- Accounts ---

type fakeAccounts struct {
	acct        *model.MailAccount
	deactivated int64
}

func (f *fakeAccounts) GetOwnedAccount(_ context.Context, userID, id int64) (*model.MailAccount, error) {
	if f.acct == nil || f.acct.ID != id || f.acct.UserID != userID {
		return nil, model.ErrNotFound
	}
	return f.acct, nil
}

func (f *fakeAccounts) Deactivate(_ context.Context, userID, id int64) error {
	if f.acct == nil || f.acct.ID != id || f.acct.UserID != userID {
		return model.ErrNotFound
	}
	f.deactivated = id
	return nil
}

func accountRouter(accts *fakeAccounts, pub *recordingPublisher) *gin.Engine {
	h := NewAccountHandler(accts, pub, zap.NewNop())
	r := gin.New()
	g := r.Group("/api", asUser(7))
	g.POST("/accounts/:id/sync", h.Sync)
	g.DELETE("/accounts/:id", h.Deactivate)
	return r
}

func TestAccounts_ManualSync(t *testing.T) {
	pub := &recordingPublisher{}
	accts := &fakeAccounts{acct: &model.MailAccount{ID: 3, UserID: 7, IsActive: true}}
	r := accountRouter(accts, pub)

	require.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/api/accounts/3/sync", nil).Code)
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, mqcontracts.SyncIncremental, pub.jobs[0].Type)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/api/accounts/4/sync", nil).Code)

	accts.acct.ReauthRequired = true
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/api/accounts/3/sync", nil).Code)
	assert.Len(t, pub.jobs, 1)
}

func TestAccounts_Deactivate(t *testing.T) {
	accts := &fakeAccounts{acct: &model.MailAccount{ID: 3, UserID: 7, IsActive: true}}
	r := accountRouter(accts, &recordingPublisher{})

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/api/accounts/3", nil).Code)
	assert.Equal(t, int64(3), accts.deactivated)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/accounts/9", nil).Code)
}
