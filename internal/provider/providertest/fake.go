// Package providertest provides an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"mailpilot/internal/provider"
)

// Call is one recorded invocation.
type Call struct {
	Op    string
	Token string
	Arg   string
}

// Fake records every call and returns the canned results set on it.
type Fake struct {
	name string

	ExchangeResult    *provider.Credentials
	ExchangeErr       error
	RefreshResult     *provider.Credentials
	RefreshErr        error
	InitialResult     *provider.SyncResult
	InitialErr        error
	IncrementalResult *provider.SyncResult
	IncrementalErr    error
	SendID            string
	SendErr           error
	MutateErr         error

	mu    sync.Mutex
	calls []Call
	sent  []provider.OutgoingMessage
}

func New(name string) *Fake {
	return &Fake{name: name, SendID: "sent-1"}
}

func (f *Fake) record(op, token, arg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Token: token, Arg: arg})
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Sent returns the messages passed to SendDraft.
func (f *Fake) Sent() []provider.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.OutgoingMessage(nil), f.sent...)
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) GetAuthURL(state string) string {
	f.record("GetAuthURL", "", state)
	return "https://auth.example/" + f.name + "?state=" + state
}

func (f *Fake) ExchangeCode(_ context.Context, code string) (*provider.Credentials, error) {
	f.record("ExchangeCode", "", code)
	return f.ExchangeResult, f.ExchangeErr
}

func (f *Fake) RefreshAccessToken(_ context.Context, refreshToken string) (*provider.Credentials, error) {
	f.record("RefreshAccessToken", "", refreshToken)
	return f.RefreshResult, f.RefreshErr
}

func (f *Fake) InitialSync(_ context.Context, token string, since time.Time) (*provider.SyncResult, error) {
	f.record("InitialSync", token, since.UTC().Format(time.RFC3339))
	return f.InitialResult, f.InitialErr
}

func (f *Fake) IncrementalSync(_ context.Context, token, cursor string) (*provider.SyncResult, error) {
	f.record("IncrementalSync", token, cursor)
	return f.IncrementalResult, f.IncrementalErr
}

func (f *Fake) SendDraft(_ context.Context, token string, msg provider.OutgoingMessage) (string, error) {
	f.record("SendDraft", token, msg.Subject)
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return f.SendID, nil
}

func (f *Fake) mutate(op, token, id string) error {
	f.record(op, token, id)
	return f.MutateErr
}

func (f *Fake) Archive(_ context.Context, token, id string) error {
	return f.mutate("Archive", token, id)
}

func (f *Fake) MarkRead(_ context.Context, token, id string) error {
	return f.mutate("MarkRead", token, id)
}

func (f *Fake) MarkUnread(_ context.Context, token, id string) error {
	return f.mutate("MarkUnread", token, id)
}

func (f *Fake) Star(_ context.Context, token, id string) error {
	return f.mutate("Star", token, id)
}

func (f *Fake) Unstar(_ context.Context, token, id string) error {
	return f.mutate("Unstar", token, id)
}

func (f *Fake) Trash(_ context.Context, token, id string) error {
	return f.mutate("Trash", token, id)
}
