package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type ConnectionServiceOptions struct {
	Store      ConnectionStore
	Configs    map[Provider]*oauth2.Config
	HTTPClient *http.Client
	Logger     *zap.Logger
	Now        func() time.Time
}

// ConnectionService owns the connection lifecycle: creation through the
// authorization-code grant and deactivation on disconnect.
type ConnectionService struct {
	store      ConnectionStore
	configs    map[Provider]*oauth2.Config
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewConnectionService(opts ConnectionServiceOptions) *ConnectionService {
	s := &ConnectionService{
		store:      opts.Store,
		configs:    opts.Configs,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if s.configs == nil {
		s.configs = map[Provider]*oauth2.Config{}
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: defaultRemoteTimeout}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

type ExchangeRequest struct {
	TenantID         string    `json:"tenantId"`
	Provider         Provider  `json:"provider"`
	Code             string    `json:"code"`
	AccountID        string    `json:"accountId"`
	SyncDirection    Direction `json:"syncDirection,omitempty"`
	DefaultProjectID string    `json:"defaultProjectId,omitempty"`
}

func (s *ConnectionService) AuthCodeURL(provider Provider, state string) (string, error) {
	cfg, ok := s.configs[provider]
	if !ok || cfg == nil {
		return "", fmt.Errorf("%w: no oauth config for provider %s", ErrNotImplemented, provider)
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange completes an authorization-code grant. A previous connection for
// the same tenant, provider and account is reactivated in place so existing
// mappings keep pointing at it.
func (s *ConnectionService) Exchange(ctx context.Context, req ExchangeRequest) (Connection, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Code = strings.TrimSpace(req.Code)
	if req.TenantID == "" || req.AccountID == "" || req.Code == "" {
		return Connection{}, ErrInvalidInput
	}
	direction := req.SyncDirection
	switch direction {
	case "":
		direction = DirectionBidirectional
	case DirectionToRemote, DirectionFromRemote, DirectionBidirectional:
	default:
		return Connection{}, fmt.Errorf("%w: sync direction %q", ErrInvalidInput, req.SyncDirection)
	}
	cfg, ok := s.configs[req.Provider]
	if !ok || cfg == nil {
		return Connection{}, fmt.Errorf("%w: no oauth config for provider %s", ErrNotImplemented, req.Provider)
	}

	issued := s.now()
	token, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, s.httpClient), req.Code)
	if err != nil {
		class := ClassTransient
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			class = ClassAuth
		}
		return Connection{}, &SyncError{Class: class, Op: "exchange_code", Message: "authorization code exchange failed", Err: err}
	}

	conn := Connection{TenantID: req.TenantID, Provider: req.Provider, AccountID: req.AccountID}
	existing, err := s.store.ListConnections(ctx, req.TenantID)
	if err != nil {
		return Connection{}, err
	}
	if previous, ok := latestConnection(existing, req.Provider, req.AccountID); ok {
		conn = previous
	}
	conn.AccessToken = token.AccessToken
	conn.RefreshToken = token.RefreshToken
	conn.AccessTokenExpiresAt = token.Expiry.UTC()
	conn.RefreshTokenExpiresAt = nil
	if lifetime, ok := tokenExtraSeconds(token, quickBooksRefreshExpiryField); ok {
		expires := issued.Add(lifetime)
		conn.RefreshTokenExpiresAt = &expires
	}
	conn.Active = true
	conn.LastError = ""
	conn.SyncDirection = direction
	if req.DefaultProjectID != "" {
		conn.DefaultProjectID = req.DefaultProjectID
	}
	saved, err := s.store.SaveConnection(ctx, conn)
	if err != nil {
		return Connection{}, err
	}
	s.logger.Info("connection authorized",
		zap.String("connection_id", saved.ID),
		zap.String("tenant_id", saved.TenantID),
		zap.String("provider", string(saved.Provider)),
	)
	return saved, nil
}

// Disconnect deactivates a connection. Its mappings and logs are kept.
func (s *ConnectionService) Disconnect(ctx context.Context, connectionID, reason string) (Connection, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return Connection{}, err
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "disconnected by user"
	}
	conn.Active = false
	conn.LastError = reason
	saved, err := s.store.SaveConnection(ctx, conn)
	if err != nil {
		return Connection{}, err
	}
	s.logger.Info("connection disconnected",
		zap.String("connection_id", saved.ID),
		zap.String("reason", reason),
	)
	return saved, nil
}

func (s *ConnectionService) List(ctx context.Context, tenantID string) ([]Connection, error) {
	return s.store.ListConnections(ctx, tenantID)
}

func latestConnection(conns []Connection, provider Provider, accountID string) (Connection, bool) {
	candidates := make([]Connection, 0, len(conns))
	for _, conn := range conns {
		if conn.Provider == provider && conn.AccountID == accountID {
			candidates = append(candidates, conn)
		}
	}
	if len(candidates) == 0 {
		return Connection{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Active != candidates[j].Active {
			return candidates[i].Active
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	return candidates[0], true
}
