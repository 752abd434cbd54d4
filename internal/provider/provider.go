// Package provider defines the capability set every mail vendor adapter
// implements and the registry used to pick one by name.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"mailpilot/internal/model"
)

var ErrUnknownProvider = errors.New("unknown mail provider")

// Credentials is what an OAuth exchange or refresh yields.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	// EmailAddress is filled by ExchangeCode only.
	EmailAddress string
}

// SyncResult is a batch of remote messages plus the cursor after them.
type SyncResult struct {
	Messages []model.Message
	Cursor   string
	// Stale is set when the supplied cursor was no longer accepted by the
	// provider; Messages is then empty and Cursor is the one passed in.
	Stale bool
}

// OutgoingMessage is a reply to be sent through the provider.
type OutgoingMessage struct {
	To         []string
	Subject    string
	Body       string
	ThreadID   string
	InReplyTo  string
	References string
}

// Provider is implemented once per mail vendor.
type Provider interface {
	Name() string

	GetAuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*Credentials, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*Credentials, error)

	InitialSync(ctx context.Context, accessToken string, since time.Time) (*SyncResult, error)
	IncrementalSync(ctx context.Context, accessToken, cursor string) (*SyncResult, error)

	SendDraft(ctx context.Context, accessToken string, msg OutgoingMessage) (string, error)
	Archive(ctx context.Context, accessToken, messageID string) error
	MarkRead(ctx context.Context, accessToken, messageID string) error
	MarkUnread(ctx context.Context, accessToken, messageID string) error
	Star(ctx context.Context, accessToken, messageID string) error
	Unstar(ctx context.Context, accessToken, messageID string) error
	// Trash removes the message from every mailbox view. Gmail keeps it in
	// Trash for 30 days before deleting it for good.
	Trash(ctx context.Context, accessToken, messageID string) error
}

// Registry is the startup-built lookup table from provider name to adapter.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
