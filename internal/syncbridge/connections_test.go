package syncbridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newConnectionService(t *testing.T, state *MemoryState, status int, body string) *ConnectionService {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("expected authorization_code grant, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewConnectionService(ConnectionServiceOptions{
		Store: state,
		Configs: map[Provider]*oauth2.Config{
			ProviderQuickBooks: NewOAuthConfig(ProviderQuickBooks, OAuthClientConfig{
				ClientID:     "client",
				ClientSecret: "secret",
				TokenURL:     srv.URL,
				RedirectURL:  "https://app.example.com/callback",
			}),
		},
		Now: func() time.Time { return testNow },
	})
}

const exchangeBody = `{"access_token":"at-1","token_type":"bearer","expires_in":3600,"refresh_token":"rt-1","x_refresh_token_expires_in":8726400}`

func TestConnectionServiceExchangeCreatesConnection(t *testing.T) {
	state := NewMemoryState()
	svc := newConnectionService(t, state, http.StatusOK, exchangeBody)

	conn, err := svc.Exchange(context.Background(), ExchangeRequest{TenantID: "tenant-1", Provider: ProviderQuickBooks, Code: "code-1", AccountID: "9130"})
	require.NoError(t, err)
	assert.True(t, conn.Active)
	assert.Equal(t, "at-1", conn.AccessToken)
	assert.Equal(t, "rt-1", conn.RefreshToken)
	assert.Equal(t, DirectionBidirectional, conn.SyncDirection)
	require.NotNil(t, conn.RefreshTokenExpiresAt)
	assert.Equal(t, testNow.Add(8726400*time.Second), *conn.RefreshTokenExpiresAt)
}

func TestConnectionServiceExchangeReactivatesPreviousConnection(t *testing.T) {
	state := NewMemoryState()
	svc := newConnectionService(t, state, http.StatusOK, exchangeBody)
	previous, err := state.SaveConnection(context.Background(), Connection{
		TenantID:  "tenant-1",
		Provider:  ProviderQuickBooks,
		AccountID: "9130",
		Active:    false,
		LastError: "reconnect required",
	})
	require.NoError(t, err)

	conn, err := svc.Exchange(context.Background(), ExchangeRequest{
		TenantID:      "tenant-1",
		Provider:      ProviderQuickBooks,
		Code:          "code-2",
		AccountID:     "9130",
		SyncDirection: DirectionToRemote,
	})
	require.NoError(t, err)
	assert.Equal(t, previous.ID, conn.ID)
	assert.True(t, conn.Active)
	assert.Empty(t, conn.LastError)
	assert.Equal(t, DirectionToRemote, conn.SyncDirection)

	conns, err := svc.List(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func TestConnectionServiceExchangeValidatesInput(t *testing.T) {
	svc := newConnectionService(t, NewMemoryState(), http.StatusOK, exchangeBody)

	_, err := svc.Exchange(context.Background(), ExchangeRequest{TenantID: "tenant-1", Provider: ProviderQuickBooks, AccountID: "9130"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = svc.Exchange(context.Background(), ExchangeRequest{TenantID: "tenant-1", Provider: ProviderQuickBooks, Code: "c", AccountID: "9130", SyncDirection: "sideways"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = svc.Exchange(context.Background(), ExchangeRequest{TenantID: "tenant-1", Provider: ProviderGoogleCalendar, Code: "c", AccountID: "primary"})
	assert.True(t, errors.Is(err, ErrNotImplemented))
}

func TestConnectionServiceExchangeRejectedCode(t *testing.T) {
	svc := newConnectionService(t, NewMemoryState(), http.StatusBadRequest, `{"error":"invalid_grant"}`)

	_, err := svc.Exchange(context.Background(), ExchangeRequest{TenantID: "tenant-1", Provider: ProviderQuickBooks, Code: "used", AccountID: "9130"})
	assert.Equal(t, ClassAuth, ClassifyError(err))
}

func TestConnectionServiceDisconnect(t *testing.T) {
	state := NewMemoryState()
	svc := newConnectionService(t, state, http.StatusOK, exchangeBody)
	conn, err := svc.Exchange(context.Background(), ExchangeRequest{TenantID: "tenant-1", Provider: ProviderQuickBooks, Code: "code-1", AccountID: "9130"})
	require.NoError(t, err)

	disconnected, err := svc.Disconnect(context.Background(), conn.ID, "")
	require.NoError(t, err)
	assert.False(t, disconnected.Active)
	assert.Equal(t, "disconnected by user", disconnected.LastError)

	_, err = svc.Disconnect(context.Background(), "missing", "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConnectionServiceAuthCodeURL(t *testing.T) {
	svc := newConnectionService(t, NewMemoryState(), http.StatusOK, exchangeBody)

	raw, err := svc.AuthCodeURL(ProviderQuickBooks, "state-1")
	require.NoError(t, err)
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "state-1", parsed.Query().Get("state"))
	assert.Equal(t, "offline", parsed.Query().Get("access_type"))
	assert.Equal(t, quickBooksScope, parsed.Query().Get("scope"))
}
