// Package gmail implements provider.Provider on top of the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailpilot/internal/provider"
	"mailpilot/pkg/metrics"
)

const (
	// ProviderName is the registry key of this adapter.
	ProviderName = "gmail"

	userID            = "me"
	defaultFetchLimit = 10
	listPageSize      = 100
)

// Config holds the OAuth client registered with Google.
type Config struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

type Adapter struct {
	oauth      *oauth2.Config
	cb         *gobreaker.CircuitBreaker
	logger     *zap.Logger
	fetchLimit int

	// test hooks
	baseClient *http.Client
	endpoint   string
}

type Option func(*Adapter)

// WithHTTPClient sets the transport used underneath the OAuth client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.baseClient = c }
}

// WithEndpoints points the adapter at a different API and token server.
func WithEndpoints(apiURL string, oauthEndpoint oauth2.Endpoint) Option {
	return func(a *Adapter) {
		a.endpoint = apiURL
		a.oauth.Endpoint = oauthEndpoint
	}
}

// WithFetchLimit overrides how many message fetches run at once.
func WithFetchLimit(n int) Option {
	return func(a *Adapter) { a.fetchLimit = n }
}

var _ provider.Provider = (*Adapter)(nil)

func New(cfg Config, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{gmailapi.GmailModifyScope},
			Endpoint:     google.Endpoint,
		},
		logger:     logger,
		fetchLimit: defaultFetchLimit,
	}

	a.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// 客户端错误（404 游标过期、401 等）不计入熔断
		IsSuccessful: func(err error) bool {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				return apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return ProviderName }

// GetAuthURL asks for offline access and forces the consent screen so that a
// refresh token is always issued.
func (a *Adapter) GetAuthURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (a *Adapter) ExchangeCode(ctx context.Context, code string) (*provider.Credentials, error) {
	tok, err := a.oauth.Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("gmail: exchange code: %w", err)
	}

	creds := &provider.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	svc, err := a.service(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	var profile *gmailapi.Profile
	err = a.call(ctx, "profile", func() error {
		profile, err = svc.Users.GetProfile(userID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gmail: get profile: %w", err)
	}
	creds.EmailAddress = profile.EmailAddress
	return creds, nil
}

func (a *Adapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Credentials, error) {
	if refreshToken == "" {
		return nil, errors.New("gmail: empty refresh token")
	}

	start := time.Now()
	tok, err := a.oauth.TokenSource(a.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	metrics.RecordProviderCall(ProviderName, "refresh", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("gmail: refresh token: %w", err)
	}

	creds := &provider.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}

func (a *Adapter) oauthContext(ctx context.Context) context.Context {
	if a.baseClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.baseClient)
}

// service builds a Gmail client bound to one access token.
func (a *Adapter) service(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(a.oauthContext(ctx), ts))}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}

	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail: create service: %w", err)
	}
	return svc, nil
}

// call runs fn behind the circuit breaker and records latency.
func (a *Adapter) call(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	metrics.RecordProviderCall(ProviderName, operation, err, time.Since(start))
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		a.logger.Warn("Gmail circuit open, call rejected", zap.String("operation", operation))
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
