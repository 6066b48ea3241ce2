package syncbridge

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RemoteClient talks to one provider's entity API. Implementations perform
// exactly one HTTP exchange per call and return *SyncError for every
// provider-reported failure.
type RemoteClient interface {
	Create(ctx context.Context, conn Connection, remoteType string, payload RemotePayload) (RemoteEntity, error)
	// Update sends token as the provider's optimistic-concurrency value.
	Update(ctx context.Context, conn Connection, remoteType, remoteID, token string, payload RemotePayload) (RemoteEntity, error)
	Fetch(ctx context.Context, conn Connection, remoteType, remoteID string) (RemoteEntity, error)
	// Delete removes the remote entity, or retires it where the provider
	// cannot delete that type. token is handled as in Update.
	Delete(ctx context.Context, conn Connection, remoteType, remoteID, token string) (RemoteEntity, error)
	// ListChanges returns entities changed since cursor. An empty cursor
	// starts a full listing. ErrSyncTokenExpired means the cursor must be
	// discarded.
	ListChanges(ctx context.Context, conn Connection, cursor string) (ChangePage, error)
}

type ChangePage struct {
	Changes    []RemoteChange
	NextCursor string
}

type remoteCall func(ctx context.Context, conn Connection) (RemoteEntity, error)

type attemptResult struct {
	Entity       RemoteEntity
	Conn         Connection
	Refreshed    bool
	AuthRequired bool
	// Deferred is set when no in-flight slot was free and nothing was sent.
	Deferred bool
	Err      error
}

// attempt issues one remote call. Credentials are refreshed first when the
// access token is already expired, or after an auth failure; either way at
// most one refresh and one retry happen per invocation.
func (e *Engine) attempt(ctx context.Context, conn Connection, op string, call remoteCall) attemptResult {
	return e.attemptAfter(ctx, attemptResult{Conn: conn}, op, call)
}

// attemptAfter is attempt continuing from an earlier call in the same
// invocation. A refresh recorded in prior is not repeated.
func (e *Engine) attemptAfter(ctx context.Context, prior attemptResult, op string, call remoteCall) attemptResult {
	result := attemptResult{Conn: prior.Conn, Refreshed: prior.Refreshed}
	ctx, release, ok := e.acquireSlot(ctx)
	if !ok {
		result.Deferred = true
		result.Err = &SyncError{Class: ClassRateLimit, Op: op, Message: ErrInFlightLimit.Error(), Err: ErrInFlightLimit}
		return result
	}
	defer release()

	if !result.Refreshed && result.Conn.accessTokenExpired(e.now(), e.refreshSkew) {
		if !e.refreshInto(ctx, &result) {
			return result
		}
	}
	result.Entity, result.Err = e.invoke(ctx, result.Conn, op, call)
	if result.Err == nil || result.Refreshed || ClassifyError(result.Err) != ClassAuth {
		return result
	}
	e.logger.Debug("remote call rejected credentials, refreshing once",
		zap.String("connection_id", result.Conn.ID),
		zap.String("op", op),
	)
	if !e.refreshInto(ctx, &result) {
		return result
	}
	result.Entity, result.Err = e.invoke(ctx, result.Conn, op, call)
	return result
}

type slotKey struct{}

// acquireSlot takes an in-flight slot for the work done under the returned
// context. A context that already holds a slot is passed through, so nested
// engine calls count once. ok is false when the limiter is full or
// unreachable.
func (e *Engine) acquireSlot(ctx context.Context) (context.Context, func(), bool) {
	if held, _ := ctx.Value(slotKey{}).(bool); held {
		return ctx, func() {}, true
	}
	release, ok, err := e.limiter.TryAcquire(ctx)
	if err != nil {
		e.logger.Warn("in-flight limiter unavailable", zap.Error(err))
		return ctx, func() {}, false
	}
	if !ok {
		return ctx, func() {}, false
	}
	return context.WithValue(ctx, slotKey{}, true), release, true
}

func (e *Engine) refreshInto(ctx context.Context, result *attemptResult) bool {
	refreshed, err := e.refresher.Refresh(ctx, result.Conn)
	if err != nil {
		result.Err = asSyncError(err, "refresh_token")
		return false
	}
	if refreshed.AuthRequired {
		result.Conn = refreshed.Connection
		result.AuthRequired = true
		result.Err = &SyncError{Class: ClassAuth, Op: "refresh_token", Message: refreshed.Reason}
		return false
	}
	result.Conn = refreshed.Connection
	result.Refreshed = true
	return true
}

func (e *Engine) invoke(ctx context.Context, conn Connection, op string, call remoteCall) (RemoteEntity, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	started := time.Now()
	entity, err := call(callCtx, conn)
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
		err = &SyncError{Class: ClassTransient, Op: op, Message: "remote call timed out", Err: err}
	}
	e.recorder.ObserveRemoteCall(conn.Provider, op, time.Since(started), err)
	return entity, err
}

// parseRetryAfterSeconds reads a Retry-After header given in seconds or as an
// HTTP date.
func parseRetryAfterSeconds(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := time.Parse(time.RFC1123, raw); err == nil {
		if delay := when.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}
