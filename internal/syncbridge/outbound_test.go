package syncbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subcontractorFields() map[string]any {
	return map[string]any{"company_name": "Acme Framing", "email": "ops@acme.test"}
}

func TestSyncToRemoteCreatesMapping(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	var sent RemotePayload
	f.qbo.create = func(_ Connection, remoteType string, payload RemotePayload) (RemoteEntity, error) {
		sent = payload
		return RemoteEntity{Type: remoteType, ID: "56", ConcurrencyToken: "0", ModifiedAt: testNow}, nil
	}

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, result.Outcome)
	assert.True(t, result.Created)
	assert.Equal(t, "56", result.RemoteID)
	assert.Equal(t, "Acme Framing", sent["DisplayName"])

	mapping, err := f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, MappingSynced, mapping.Status)
	assert.Equal(t, "Vendor", mapping.RemoteType)
	assert.Equal(t, "0", mapping.ConcurrencyToken)
	require.NotNil(t, mapping.LastSyncedAt)

	logs, err := f.state.ListLogs(context.Background(), conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, OperationSyncEntity, logs[0].Operation)
	assert.Equal(t, string(OutcomeSynced), logs[0].Outcome)
	assert.Equal(t, 1, logs[0].Created)
}

func TestSyncToRemoteUpdatesWithStoredConcurrencyToken(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.mapping(t, conn, EntitySubcontractors, "sub-1", "56", "3", nil)
	var gotToken, gotID string
	f.qbo.update = func(_ Connection, remoteType, remoteID, token string, _ RemotePayload) (RemoteEntity, error) {
		gotID, gotToken = remoteID, token
		return RemoteEntity{Type: remoteType, ID: remoteID, ConcurrencyToken: "4", ModifiedAt: testNow}, nil
	}

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, result.Outcome)
	assert.False(t, result.Created)
	assert.Equal(t, "56", gotID)
	assert.Equal(t, "3", gotToken)
	assert.Equal(t, []string{"update"}, f.qbo.Calls())

	mapping, err := f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "4", mapping.ConcurrencyToken)
}

func TestSyncToRemoteRefreshesOnceAfterAuthFailure(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.qbo.create = func(c Connection, remoteType string, _ RemotePayload) (RemoteEntity, error) {
		if c.AccessToken != "refreshed-token" {
			return RemoteEntity{}, &SyncError{Class: ClassAuth, Op: "create", StatusCode: 401}
		}
		return RemoteEntity{Type: remoteType, ID: "57", ConcurrencyToken: "0"}, nil
	}

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, result.Outcome)
	assert.True(t, result.Refreshed)
	assert.Equal(t, 1, f.refresher.Calls())
	assert.Equal(t, []string{"access-token", "refreshed-token"}, f.qbo.tokens)
}

func TestSyncToRemoteRetriesAtMostOnceOnAuthFailure(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.qbo.create = func(Connection, string, RemotePayload) (RemoteEntity, error) {
		return RemoteEntity{}, &SyncError{Class: ClassAuth, Op: "create", StatusCode: 401}
	}

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, ClassAuth, result.ErrorClass)
	assert.Equal(t, 1, f.refresher.Calls())
	assert.Equal(t, []string{"create", "create"}, f.qbo.Calls())
}

func TestSyncToRemoteProactiveRefreshCountsAsTheRefresh(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, func(c *Connection) {
		c.AccessTokenExpiresAt = testNow.Add(-time.Minute)
	})
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.qbo.create = func(Connection, string, RemotePayload) (RemoteEntity, error) {
		return RemoteEntity{}, &SyncError{Class: ClassAuth, Op: "create", StatusCode: 401}
	}

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, f.refresher.Calls())
	assert.Equal(t, []string{"create"}, f.qbo.Calls())
}

func TestSyncToRemoteRevokedRefreshRequiresAuth(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.qbo.create = func(Connection, string, RemotePayload) (RemoteEntity, error) {
		return RemoteEntity{}, &SyncError{Class: ClassAuth, Op: "create", StatusCode: 401}
	}
	f.refresher.refresh = func(c Connection) (RefreshResult, error) {
		c.Active = false
		return RefreshResult{Connection: c, AuthRequired: true, Reason: "refresh token rejected"}, nil
	}

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthRequired, result.Outcome)
	assert.Equal(t, ClassAuth, result.ErrorClass)
	assert.False(t, result.Retryable)
	assert.Equal(t, []string{"create"}, f.qbo.Calls())
}

func TestSyncToRemoteRateLimitBecomesPendingRetryThenFailed(t *testing.T) {
	f := newEngineFixture(t, func(opts *EngineOptions) { opts.MaxRetries = 2 })
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.qbo.create = func(Connection, string, RemotePayload) (RemoteEntity, error) {
		return RemoteEntity{}, &SyncError{Class: ClassRateLimit, Op: "create", StatusCode: 429}
	}

	first, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingRetry, first.Outcome)
	assert.True(t, first.Retryable)
	mapping, err := f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, MappingPendingRetry, mapping.Status)
	assert.Equal(t, 1, mapping.RetryCount)
	assert.Empty(t, mapping.RemoteID)

	second, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, second.Outcome)
	mapping, err = f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, MappingFailed, mapping.Status)
	assert.Equal(t, 2, mapping.RetryCount)
	assert.Equal(t, ClassRateLimit, mapping.LastErrorClass)
}

func TestSyncToRemoteConflictRefetchesConcurrencyToken(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.mapping(t, conn, EntitySubcontractors, "sub-1", "56", "3", nil)
	f.qbo.update = func(Connection, string, string, string, RemotePayload) (RemoteEntity, error) {
		return RemoteEntity{}, &SyncError{Class: ClassConflict, Op: "update", ProviderCode: "5010"}
	}
	f.qbo.fetch = func(_ Connection, remoteType, remoteID string) (RemoteEntity, error) {
		return RemoteEntity{Type: remoteType, ID: remoteID, ConcurrencyToken: "9"}, nil
	}

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingRetry, result.Outcome)
	assert.Equal(t, ClassConflict, result.ErrorClass)
	mapping, err := f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "9", mapping.ConcurrencyToken)
	assert.Equal(t, "56", mapping.RemoteID)
}

func TestSyncToRemoteUnmappedReferenceIsValidationFailure(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntityPaymentApplications, "pay-1", map[string]any{
		"project_id":         "proj-1",
		"application_number": "7",
		"amount":             1200.5,
	})

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntityPaymentApplications, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, ClassValidation, result.ErrorClass)
	assert.Empty(t, f.qbo.Calls())
}

func TestSyncToRemoteSkipsMissingLocalEntity(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "gone")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Empty(t, f.qbo.Calls())
}

func TestSyncToRemoteInactiveConnectionRequiresAuth(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, func(c *Connection) { c.Active = false })
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthRequired, result.Outcome)
	assert.Empty(t, f.qbo.Calls())
	assert.Zero(t, f.refresher.Calls())
}

func TestSyncToRemoteRejectsEntityTypeOfOtherProvider(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntityCalendarEvents, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, ClassUnsupportedEntityType, result.ErrorClass)
}

func TestSyncToRemoteUnknownConnection(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, err := f.engine.SyncToRemote(context.Background(), "missing", EntitySubcontractors, "sub-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSyncToRemoteDefersWhenInFlightLimitReached(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.mapping(t, conn, EntitySubcontractors, "sub-1", "56", "3", nil)
	f.limiter.SetMax(1)
	release, ok, err := f.limiter.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, result.Outcome)
	assert.Equal(t, ClassRateLimit, result.ErrorClass)
	assert.True(t, result.Retryable)
	assert.Empty(t, f.qbo.Calls())
	assert.Zero(t, f.refresher.Calls())

	mapping, err := f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, MappingSynced, mapping.Status)
	assert.Equal(t, "3", mapping.ConcurrencyToken)
	assert.Zero(t, mapping.RetryCount)

	release()
	result, err = f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, result.Outcome)
	assert.Equal(t, []string{"update"}, f.qbo.Calls())
	inFlight, err := f.limiter.InFlight(context.Background())
	require.NoError(t, err)
	assert.Zero(t, inFlight)
}

func TestApplyRemoteChangeDefersFetchWhenInFlightLimitReached(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.mapping(t, conn, EntitySubcontractors, "sub-1", "56", "3", timePtr(testNow.Add(-time.Hour)))
	f.limiter.SetMax(1)
	release, ok, err := f.limiter.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	result, err := f.engine.ApplyRemoteChange(context.Background(), conn.ID, RemoteChange{
		Provider:   ProviderQuickBooks,
		RemoteType: "Vendor",
		RemoteID:   "56",
		Operation:  ChangeUpsert,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, result.Outcome)
	assert.True(t, result.Retryable)
	assert.Empty(t, f.qbo.Calls())
}

func TestEnqueueEntityRecordsPendingMapping(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())

	_, _, err := f.engine.EnqueueEntity(context.Background(), EnqueueRequest{ConnectionID: conn.ID, EntityType: EntitySubcontractors, EntityID: "sub-1"})
	require.NoError(t, err)
	mapping, err := f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, MappingPending, mapping.Status)
	assert.Equal(t, "Vendor", mapping.RemoteType)
	assert.Empty(t, mapping.RemoteID)

	result, err := f.engine.SyncToRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, result.Outcome)
	assert.True(t, result.Created)
	assert.Equal(t, []string{"create"}, f.qbo.Calls())
	mapping, err = f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, MappingSynced, mapping.Status)
	assert.Equal(t, "remote-1", mapping.RemoteID)
}

func TestEnqueueEntityKeepsExistingMapping(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.mapping(t, conn, EntitySubcontractors, "sub-1", "56", "3", nil)

	_, _, err := f.engine.EnqueueEntity(context.Background(), EnqueueRequest{ConnectionID: conn.ID, EntityType: EntitySubcontractors, EntityID: "sub-1"})
	require.NoError(t, err)
	mapping, err := f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, MappingSynced, mapping.Status)
	assert.Equal(t, "56", mapping.RemoteID)
	assert.Equal(t, "3", mapping.ConcurrencyToken)
}

func TestDeleteRemoteRemovesMapping(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.mapping(t, conn, EntitySubcontractors, "sub-1", "56", "3", nil)
	var gotType, gotID, gotToken string
	f.qbo.remove = func(_ Connection, remoteType, remoteID, token string) (RemoteEntity, error) {
		gotType, gotID, gotToken = remoteType, remoteID, token
		return RemoteEntity{Type: remoteType, ID: remoteID, Deleted: true}, nil
	}

	result, err := f.engine.DeleteRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, result.Outcome)
	assert.Equal(t, "56", result.RemoteID)
	assert.Equal(t, "Vendor", gotType)
	assert.Equal(t, "56", gotID)
	assert.Equal(t, "3", gotToken)

	_, err = f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	assert.ErrorIs(t, err, ErrNotFound)

	logs, err := f.state.ListLogs(context.Background(), conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, OperationDeleteEntity, logs[0].Operation)
	assert.Equal(t, string(OutcomeDeleted), logs[0].Outcome)
}

func TestDeleteRemoteTreatsMissingRemoteAsDeleted(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.mapping(t, conn, EntitySubcontractors, "sub-1", "56", "3", nil)
	f.qbo.remove = func(_ Connection, _, _, _ string) (RemoteEntity, error) {
		return RemoteEntity{}, &SyncError{Class: ClassNotFound, Op: "delete", StatusCode: 404}
	}

	result, err := f.engine.DeleteRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, result.Outcome)
	_, err = f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemoteFailureKeepsMapping(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.mapping(t, conn, EntitySubcontractors, "sub-1", "56", "3", nil)
	f.qbo.remove = func(_ Connection, _, _, _ string) (RemoteEntity, error) {
		return RemoteEntity{}, &SyncError{Class: ClassTransient, Op: "delete", StatusCode: 503}
	}

	result, err := f.engine.DeleteRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingRetry, result.Outcome)
	assert.True(t, result.Retryable)

	mapping, err := f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, MappingPendingRetry, mapping.Status)
	assert.Equal(t, "56", mapping.RemoteID)
	assert.Equal(t, 1, mapping.RetryCount)
}

func TestDeleteRemoteWithoutRemoteCounterpart(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, nil)
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	_, _, err := f.engine.EnqueueEntity(context.Background(), EnqueueRequest{ConnectionID: conn.ID, EntityType: EntitySubcontractors, EntityID: "sub-1"})
	require.NoError(t, err)

	result, err := f.engine.DeleteRemote(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Empty(t, f.qbo.Calls())
	_, err = f.state.GetMapping(context.Background(), conn.ID, EntitySubcontractors, "sub-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
