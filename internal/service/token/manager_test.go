package token

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailpilot/internal/model"
	"mailpilot/internal/provider"
	"mailpilot/internal/provider/providertest"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts map[int64]*model.MailAccount
	failures []string
	reauth   bool
}

func newFakeStore(accts ...*model.MailAccount) *fakeStore {
	s := &fakeStore{accounts: map[int64]*model.MailAccount{}}
	for _, a := range accts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *fakeStore) GetAccount(_ context.Context, id int64) (*model.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) UpdateAccessToken(_ context.Context, id int64, access, refresh string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	a.AccessToken = access
	if refresh != "" {
		a.RefreshToken = refresh
	}
	a.TokenExpiresAt = &expiry
	return nil
}

func (s *fakeStore) MarkCredentialFailure(_ context.Context, id int64, reason string, reauth bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, reason)
	s.reauth = reauth
	a := s.accounts[id]
	a.SyncStatus = model.SyncStatusError
	a.SyncError = reason
	a.ReauthRequired = a.ReauthRequired || reauth
	return nil
}

var fixedNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newManager(store AccountStore, fake *providertest.Fake) *Manager {
	m := NewManager(store, provider.NewRegistry(fake), zap.NewNop())
	m.now = func() time.Time { return fixedNow }
	return m
}

func account(expiresIn time.Duration) *model.MailAccount {
	exp := fixedNow.Add(expiresIn)
	return &model.MailAccount{
		ID:             1,
		Provider:       "gmail",
		AccessToken:    "old-access",
		RefreshToken:   "refresh-1",
		TokenExpiresAt: &exp,
		IsActive:       true,
	}
}

func TestGetValidAccessToken_FreshTokenSkipsNetwork(t *testing.T) {
	fake := providertest.New("gmail")
	m := newManager(newFakeStore(account(time.Hour)), fake)

	tok, err := m.GetValidAccessToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "old-access", tok)
	assert.Zero(t, fake.Count("RefreshAccessToken"))
}

func TestGetValidAccessToken_RefreshesInsideBuffer(t *testing.T) {
	fake := providertest.New("gmail")
	fake.RefreshResult = &provider.Credentials{AccessToken: "new-access", Expiry: fixedNow.Add(time.Hour)}
	store := newFakeStore(account(4 * time.Minute))
	m := newManager(store, fake)

	tok, err := m.GetValidAccessToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok)
	assert.Equal(t, 1, fake.Count("RefreshAccessToken"))

	a, _ := store.GetAccount(context.Background(), 1)
	assert.Equal(t, "new-access", a.AccessToken)
	assert.Equal(t, "refresh-1", a.RefreshToken)
	assert.Equal(t, fixedNow.Add(time.Hour), *a.TokenExpiresAt)
}

func TestGetValidAccessToken_NoCredentialCases(t *testing.T) {
	inactive := account(-time.Hour)
	inactive.IsActive = false
	noRefresh := account(-time.Hour)
	noRefresh.RefreshToken = ""
	noAccess := account(time.Hour)
	noAccess.AccessToken = ""
	quarantined := account(time.Hour)
	quarantined.ReauthRequired = true

	cases := map[string]*model.MailAccount{
		"inactive":     inactive,
		"no refresh":   noRefresh,
		"no access":    noAccess,
		"needs reauth": quarantined,
	}
	for name, acct := range cases {
		t.Run(name, func(t *testing.T) {
			fake := providertest.New("gmail")
			m := newManager(newFakeStore(acct), fake)

			_, err := m.GetValidAccessToken(context.Background(), 1)
			assert.ErrorIs(t, err, ErrNoCredential)
			assert.True(t, IsCredentialError(err))
			assert.Zero(t, fake.Count("RefreshAccessToken"))
		})
	}

	t.Run("missing", func(t *testing.T) {
		m := newManager(newFakeStore(), providertest.New("gmail"))
		_, err := m.GetValidAccessToken(context.Background(), 99)
		assert.ErrorIs(t, err, ErrNoCredential)
	})
}

func TestGetValidAccessToken_RevokedGrantQuarantines(t *testing.T) {
	fake := providertest.New("gmail")
	fake.RefreshErr = &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: http.StatusBadRequest},
		ErrorCode: "invalid_grant",
	}
	store := newFakeStore(account(time.Minute))
	m := newManager(store, fake)

	_, err := m.GetValidAccessToken(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.True(t, store.reauth)

	a, _ := store.GetAccount(context.Background(), 1)
	assert.Equal(t, model.SyncStatusError, a.SyncStatus)
	assert.NotEmpty(t, a.SyncError)
	assert.True(t, a.ReauthRequired)
}

func TestGetValidAccessToken_TransientFailureStaysRetryable(t *testing.T) {
	fake := providertest.New("gmail")
	fake.RefreshErr = errors.New("dial tcp: connection refused")
	store := newFakeStore(account(time.Minute))
	m := newManager(store, fake)

	_, err := m.GetValidAccessToken(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, IsCredentialError(err))
	assert.False(t, store.reauth)
	assert.Len(t, store.failures, 1)
}

func TestGetValidAccessToken_SkipProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no refresh when expiry is beyond the buffer", prop.ForAll(
		func(extraSeconds int64) bool {
			fake := providertest.New("gmail")
			m := newManager(newFakeStore(account(RefreshBuffer+time.Duration(extraSeconds)*time.Second)), fake)
			tok, err := m.GetValidAccessToken(context.Background(), 1)
			return err == nil && tok == "old-access" && fake.Count("RefreshAccessToken") == 0
		},
		gen.Int64Range(1, 30*24*3600),
	))

	properties.Property("refresh when expiry is inside the buffer", prop.ForAll(
		func(secondsLeft int64) bool {
			fake := providertest.New("gmail")
			fake.RefreshResult = &provider.Credentials{AccessToken: "n", Expiry: fixedNow.Add(time.Hour)}
			m := newManager(newFakeStore(account(time.Duration(secondsLeft)*time.Second)), fake)
			_, err := m.GetValidAccessToken(context.Background(), 1)
			return err == nil && fake.Count("RefreshAccessToken") == 1
		},
		gen.Int64Range(-3600, int64(RefreshBuffer/time.Second)),
	))

	properties.TestingRun(t)
}
