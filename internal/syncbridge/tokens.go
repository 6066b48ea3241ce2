package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	quickBooksAuthURL   = "https://appcenter.intuit.com/connect/oauth2"
	quickBooksTokenURL  = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	quickBooksScope     = "com.intuit.quickbooks.accounting"
	googleAuthURL       = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL      = "https://oauth2.googleapis.com/token"
	googleCalendarScope = "https://www.googleapis.com/auth/calendar.events"

	// quickBooksRefreshExpiryField carries the refresh token lifetime in
	// seconds on every QuickBooks token response.
	quickBooksRefreshExpiryField = "x_refresh_token_expires_in"
)

type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

// NewOAuthConfig fills provider defaults for any endpoint or scope left empty.
func NewOAuthConfig(provider Provider, cfg OAuthClientConfig) *oauth2.Config {
	out := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       append([]string(nil), cfg.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	switch provider {
	case ProviderQuickBooks:
		if out.Endpoint.AuthURL == "" {
			out.Endpoint.AuthURL = quickBooksAuthURL
		}
		if out.Endpoint.TokenURL == "" {
			out.Endpoint.TokenURL = quickBooksTokenURL
		}
		if len(out.Scopes) == 0 {
			out.Scopes = []string{quickBooksScope}
		}
	case ProviderGoogleCalendar:
		if out.Endpoint.AuthURL == "" {
			out.Endpoint.AuthURL = googleAuthURL
		}
		if out.Endpoint.TokenURL == "" {
			out.Endpoint.TokenURL = googleTokenURL
		}
		if len(out.Scopes) == 0 {
			out.Scopes = []string{googleCalendarScope}
		}
	}
	return out
}

type Refresher interface {
	Refresh(ctx context.Context, conn Connection) (RefreshResult, error)
}

// RefreshResult is returned for every expected outcome of a refresh grant.
// AuthRequired means the connection has been deactivated and only a new
// user authorization can restore it.
type RefreshResult struct {
	Connection   Connection
	AuthRequired bool
	Reason       string
}

type refreshStore interface {
	ConnectionStore
	SyncLogStore
}

type TokenRefresherOptions struct {
	Store      refreshStore
	Configs    map[Provider]*oauth2.Config
	HTTPClient *http.Client
	Hub        *LogHub
	Logger     *zap.Logger
	Recorder   Recorder
	Now        func() time.Time
}

type TokenRefresher struct {
	store      refreshStore
	configs    map[Provider]*oauth2.Config
	httpClient *http.Client
	hub        *LogHub
	logger     *zap.Logger
	recorder   Recorder
	now        func() time.Time
}

func NewTokenRefresher(opts TokenRefresherOptions) *TokenRefresher {
	r := &TokenRefresher{
		store:      opts.Store,
		configs:    opts.Configs,
		httpClient: opts.HTTPClient,
		hub:        opts.Hub,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		now:        opts.Now,
	}
	if r.configs == nil {
		r.configs = map[Provider]*oauth2.Config{}
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: defaultRemoteTimeout}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.recorder == nil {
		r.recorder = noopRecorder{}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Refresh runs the refresh-token grant once. Transient provider failures are
// returned as errors and leave the connection untouched; the caller decides
// whether to try again later.
func (r *TokenRefresher) Refresh(ctx context.Context, conn Connection) (RefreshResult, error) {
	started := r.now()
	cfg, ok := r.configs[conn.Provider]
	if !ok || cfg == nil {
		return RefreshResult{}, fmt.Errorf("%w: no oauth config for provider %s", ErrNotImplemented, conn.Provider)
	}
	if !conn.Active {
		return RefreshResult{Connection: conn, AuthRequired: true, Reason: "connection is inactive"}, nil
	}
	if strings.TrimSpace(conn.RefreshToken) == "" {
		return r.requireAuth(ctx, conn, started, "no refresh token stored; reconnect required")
	}
	if conn.RefreshTokenExpiresAt != nil && !started.Before(*conn.RefreshTokenExpiresAt) {
		return r.requireAuth(ctx, conn, started, "refresh token expired; reconnect required")
	}

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	source := cfg.TokenSource(httpCtx, &oauth2.Token{RefreshToken: conn.RefreshToken, Expiry: time.Unix(1, 0)})
	token, err := source.Token()
	if err != nil {
		if reason, revoked := refreshRevoked(err); revoked {
			return r.requireAuth(ctx, conn, started, reason)
		}
		syncErr := &SyncError{Class: ClassTransient, Op: "refresh_token", Message: "token endpoint unavailable", Err: err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			syncErr.StatusCode = retrieveErr.Response.StatusCode
			syncErr.ProviderCode = retrieveErr.ErrorCode
		}
		r.recorder.ObserveRefresh(conn.Provider, "error")
		r.log(ctx, conn, started, "failed", syncErr)
		r.logger.Warn("token refresh failed",
			zap.String("connection_id", conn.ID),
			zap.String("provider", string(conn.Provider)),
			zap.Error(syncErr),
		)
		return RefreshResult{}, syncErr
	}

	conn.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		conn.RefreshToken = token.RefreshToken
	}
	conn.AccessTokenExpiresAt = token.Expiry.UTC()
	if lifetime, ok := tokenExtraSeconds(token, quickBooksRefreshExpiryField); ok {
		expires := started.Add(lifetime)
		conn.RefreshTokenExpiresAt = &expires
	}
	conn.LastError = ""
	saved, err := r.store.SaveConnection(ctx, conn)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("persist refreshed tokens: %w", err)
	}
	r.recorder.ObserveRefresh(conn.Provider, "refreshed")
	r.log(ctx, saved, started, "refreshed", nil)
	r.logger.Info("token refreshed",
		zap.String("connection_id", conn.ID),
		zap.String("provider", string(conn.Provider)),
		zap.Time("expires_at", saved.AccessTokenExpiresAt),
	)
	return RefreshResult{Connection: saved}, nil
}

func (r *TokenRefresher) requireAuth(ctx context.Context, conn Connection, started time.Time, reason string) (RefreshResult, error) {
	conn.Active = false
	conn.LastError = reason
	saved, err := r.store.SaveConnection(ctx, conn)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("deactivate connection: %w", err)
	}
	r.recorder.ObserveRefresh(conn.Provider, "auth_required")
	r.log(ctx, saved, started, string(OutcomeAuthRequired), &SyncError{Class: ClassAuth, Op: "refresh_token", Message: reason})
	r.logger.Warn("connection requires re-authorization",
		zap.String("connection_id", conn.ID),
		zap.String("provider", string(conn.Provider)),
		zap.String("reason", reason),
	)
	return RefreshResult{Connection: saved, AuthRequired: true, Reason: reason}, nil
}

func (r *TokenRefresher) log(ctx context.Context, conn Connection, started time.Time, outcome string, syncErr *SyncError) {
	if r.store == nil {
		return
	}
	entry := SyncLogEntry{
		ID:           uuid.NewString(),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		Operation:    OperationTokenRefresh,
		Outcome:      outcome,
		Processed:    1,
		StartedAt:    started,
		FinishedAt:   r.now(),
	}
	if syncErr != nil {
		entry.Failed = 1
		entry.ErrorMessage = syncErr.Error()
		entry.ErrorClass = syncErr.Class
		entry.Retryable = syncErr.Retryable()
	} else {
		entry.Updated = 1
	}
	stored, err := r.store.AppendLog(context.WithoutCancel(ctx), entry)
	if err != nil {
		r.logger.Warn("append refresh log failed", zap.String("connection_id", conn.ID), zap.Error(err))
		stored = entry
	}
	if r.hub != nil {
		r.hub.Publish(stored)
	}
}

// refreshRevoked reports whether a refresh grant failure means the refresh
// token itself is no longer usable.
func refreshRevoked(err error) (string, bool) {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return "", false
	}
	switch retrieveErr.ErrorCode {
	case "invalid_grant", "invalid_token", "unauthorized_client":
		reason := "refresh token rejected (" + retrieveErr.ErrorCode + ")"
		if retrieveErr.ErrorDescription != "" {
			reason += ": " + retrieveErr.ErrorDescription
		}
		return reason + "; reconnect required", true
	}
	if retrieveErr.Response != nil {
		switch retrieveErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return fmt.Sprintf("token endpoint returned %d; reconnect required", retrieveErr.Response.StatusCode), true
		}
	}
	return "", false
}

func tokenExtraSeconds(token *oauth2.Token, key string) (time.Duration, bool) {
	var seconds float64
	switch value := token.Extra(key).(type) {
	case float64:
		seconds = value
	case int64:
		seconds = float64(value)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		seconds = parsed
	default:
		return 0, false
	}
	if seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
