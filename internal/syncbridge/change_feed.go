package syncbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type FeedResult struct {
	ConnectionID string `json:"connectionId"`
	Changes      int    `json:"changes"`
	Applied      int    `json:"applied"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
	Resynced     bool   `json:"resynced,omitempty"`
	// Deferred is set when the in-flight limit was reached and the feed was
	// not read.
	Deferred bool `json:"deferred,omitempty"`
	// Retryable is set when at least one change failed in a way a later
	// poll may fix.
	Retryable bool `json:"isRetryable"`
}

// PollChanges pulls the connection's change feed from its stored cursor and
// applies every change. An expired cursor is discarded and the feed is
// listed from the start. The whole poll holds one in-flight slot and
// refreshes credentials at most once.
func (e *Engine) PollChanges(ctx context.Context, connectionID string) (FeedResult, error) {
	started := e.now()
	result := FeedResult{ConnectionID: connectionID}
	conn, err := e.state.GetConnection(ctx, connectionID)
	if err != nil {
		return result, err
	}
	if !conn.Active {
		return result, ErrConnectionInactive
	}
	client, err := e.client(conn.Provider)
	if err != nil {
		return result, err
	}

	ctx, release, ok := e.acquireSlot(ctx)
	if !ok {
		result.Deferred = true
		e.logger.Debug("change feed poll deferred", zap.String("connection_id", conn.ID))
		return result, nil
	}
	defer release()

	page, attempt := e.listChanges(ctx, client, attemptResult{Conn: conn}, conn.ChangeCursor)
	if errors.Is(attempt.Err, ErrSyncTokenExpired) {
		e.logger.Info("change cursor expired, listing from start", zap.String("connection_id", conn.ID))
		result.Resynced = true
		page, attempt = e.listChanges(ctx, client, attempt, "")
	}
	conn, err = attempt.Conn, attempt.Err
	if err != nil {
		syncErr := asSyncError(err, "list_changes")
		e.appendLog(ctx, SyncLogEntry{
			ID:           uuid.NewString(),
			TenantID:     conn.TenantID,
			ConnectionID: conn.ID,
			Operation:    OperationChangeFeed,
			Direction:    DirectionFromRemote,
			Outcome:      string(OutcomeFailed),
			Failed:       1,
			StartedAt:    started,
			ErrorMessage: syncErr.Error(),
			ErrorClass:   syncErr.Class,
			Retryable:    syncErr.Retryable(),
		})
		return result, syncErr
	}

	for _, change := range page.Changes {
		result.Changes++
		applied, err := e.ApplyRemoteChange(ctx, conn.ID, change)
		switch {
		case err != nil:
			result.Failed++
			result.Retryable = true
			e.logger.Warn("apply remote change failed",
				zap.String("connection_id", conn.ID),
				zap.String("remote_type", change.RemoteType),
				zap.String("remote_id", change.RemoteID),
				zap.Error(err),
			)
		case applied.Outcome == OutcomeApplied, applied.Outcome == OutcomeCreated, applied.Outcome == OutcomeDeleted:
			result.Applied++
		case pendingSucceeded(applied.Outcome):
			result.Skipped++
		default:
			result.Failed++
			if applied.Retryable {
				result.Retryable = true
			}
		}
	}

	// Only advance the cursor when nothing needs another pass.
	if !result.Retryable && page.NextCursor != "" {
		latest, err := e.state.GetConnection(ctx, conn.ID)
		if err != nil {
			return result, err
		}
		latest.ChangeCursor = page.NextCursor
		if _, err := e.state.SaveConnection(ctx, latest); err != nil {
			return result, fmt.Errorf("store change cursor: %w", err)
		}
	}

	outcome := "polled"
	if result.Failed > 0 {
		outcome = "partial"
	}
	e.appendLog(ctx, SyncLogEntry{
		ID:           uuid.NewString(),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		Operation:    OperationChangeFeed,
		Direction:    DirectionFromRemote,
		Outcome:      outcome,
		Processed:    result.Changes,
		Updated:      result.Applied,
		Skipped:      result.Skipped,
		Failed:       result.Failed,
		StartedAt:    started,
		Retryable:    result.Retryable,
	})
	return result, nil
}

func (e *Engine) listChanges(ctx context.Context, client RemoteClient, prior attemptResult, cursor string) (ChangePage, attemptResult) {
	var page ChangePage
	attempt := e.attemptAfter(ctx, prior, "list_changes", func(ctx context.Context, c Connection) (RemoteEntity, error) {
		listed, err := client.ListChanges(ctx, c, cursor)
		page = listed
		return RemoteEntity{}, err
	})
	if attempt.Err != nil {
		return ChangePage{}, attempt
	}
	return page, attempt
}
