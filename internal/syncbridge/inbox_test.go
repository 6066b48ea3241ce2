package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInbox(t *testing.T, f *engineFixture, mutate func(*InboxOptions)) *Inbox {
	t.Helper()
	opts := InboxOptions{
		Engine:      f.engine,
		Workers:     1,
		MaxAttempts: 2,
		RetryDelay:  10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	inbox, err := NewInbox(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inbox.Close() })
	return inbox
}

func googleNotification(connectionID, deliveryID string) Envelope {
	return Envelope{
		Provider:   ProviderGoogleCalendar,
		DeliveryID: deliveryID,
		Headers: map[string]string{
			HeaderGoogleChannelID:     connectionID,
			HeaderGoogleResourceState: "exists",
		},
	}
}

func TestInboxIngestDeduplicatesDeliveries(t *testing.T) {
	f := newEngineFixture(t, nil)
	inbox := newTestInbox(t, f, nil)

	first, err := inbox.Ingest(googleNotification("conn-g", "msg-1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "queued", first.Status)

	second, err := inbox.Ingest(googleNotification("conn-g", "msg-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, inbox.Depth())

	_, err = inbox.Ingest(Envelope{Provider: ProviderQuickBooks, DeliveryID: "msg-1", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, inbox.Depth(), "delivery ids are scoped per provider")
}

func TestInboxIngestRejectsWhenQueueIsFull(t *testing.T) {
	f := newEngineFixture(t, nil)
	inbox := newTestInbox(t, f, func(opts *InboxOptions) { opts.Queue = NewInMemoryEnvelopeQueue(1) })

	_, err := inbox.Ingest(googleNotification("conn-g", "msg-1"))
	require.NoError(t, err)
	_, err = inbox.Ingest(googleNotification("conn-g", "msg-2"))
	assert.True(t, errors.Is(err, ErrQueueFull))

	// Rejected deliveries are not remembered, so a resend is not a duplicate.
	_, err = inbox.Ingest(googleNotification("conn-g", "msg-2"))
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestInboxIngestRejectsUnknownProvider(t *testing.T) {
	f := newEngineFixture(t, nil)
	inbox := newTestInbox(t, f, nil)

	_, err := inbox.Ingest(Envelope{Provider: "procore"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestInboxAppliesQuickBooksNotification(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderQuickBooks, func(c *Connection) { c.AccountID = "9130" })
	f.entity(t, EntitySubcontractors, "sub-1", subcontractorFields())
	f.mapping(t, conn, EntitySubcontractors, "sub-1", "56", "3", timePtr(testNow.Add(-time.Hour)))
	f.qbo.fetch = func(_ Connection, remoteType, remoteID string) (RemoteEntity, error) {
		return RemoteEntity{
			Type:             remoteType,
			ID:               remoteID,
			ConcurrencyToken: "4",
			ModifiedAt:       testNow,
			Payload:          map[string]any{"DisplayName": "Acme Framing LLC"},
		}, nil
	}
	inbox := newTestInbox(t, f, nil)
	inbox.Start()

	body := `{"eventNotifications":[{"realmId":"9130","dataChangeEvent":{"entities":[{"name":"Vendor","id":"56","operation":"Update","lastUpdated":"2026-03-14T12:00:00Z"}]}}]}`
	_, err := inbox.Ingest(Envelope{Provider: ProviderQuickBooks, Payload: json.RawMessage(body)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entity, err := f.state.GetEntity(context.Background(), "tenant-1", EntitySubcontractors, "sub-1")
		return err == nil && entity.Fields["company_name"] == "Acme Framing LLC"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, inbox.DeadLetters())
}

func TestInboxPollsGoogleChangeFeed(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderGoogleCalendar, nil)
	f.google.changes = func(Connection, string) (ChangePage, error) {
		return ChangePage{NextCursor: "sync-2"}, nil
	}
	inbox := newTestInbox(t, f, nil)
	inbox.Start()

	_, err := inbox.Ingest(googleNotification(conn.ID, "msg-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := f.state.GetConnection(context.Background(), conn.ID)
		return err == nil && stored.ChangeCursor == "sync-2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInboxDeadLettersInvalidEnvelopeImmediately(t *testing.T) {
	f := newEngineFixture(t, nil)
	inbox := newTestInbox(t, f, func(opts *InboxOptions) { opts.MaxAttempts = 5 })
	inbox.Start()

	_, err := inbox.Ingest(Envelope{Provider: ProviderQuickBooks, DeliveryID: "bad", Payload: json.RawMessage(`{"eventNotifications":[]}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(inbox.DeadLetters()) == 1 }, 2*time.Second, 10*time.Millisecond)
	letter := inbox.DeadLetters()[0]
	assert.Equal(t, 1, letter.Envelope.Attempts)
	assert.Contains(t, letter.LastError, "no events")
}

func TestInboxRetriesThenDeadLetters(t *testing.T) {
	f := newEngineFixture(t, nil)
	conn := f.connection(t, ProviderGoogleCalendar, nil)
	f.google.changes = func(Connection, string) (ChangePage, error) {
		return ChangePage{}, &SyncError{Class: ClassTransient, Op: "list_changes", StatusCode: http.StatusServiceUnavailable}
	}
	inbox := newTestInbox(t, f, nil)
	inbox.Start()

	_, err := inbox.Ingest(googleNotification(conn.ID, "msg-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(inbox.DeadLetters()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, inbox.DeadLetters()[0].Envelope.Attempts)
	calls := f.google.Calls()
	assert.Equal(t, 2, len(slices.DeleteFunc(calls, func(op string) bool { return op != "list_changes" })))

	require.Eventually(t, func() bool {
		logs, err := f.state.ListLogs(context.Background(), conn.ID, 10)
		return err == nil && len(logs) > 0 && logs[0].Operation == OperationWebhook
	}, time.Second, 10*time.Millisecond)
	logs, err := f.state.ListLogs(context.Background(), conn.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, string(OutcomeFailed), logs[0].Outcome)
	assert.Contains(t, logs[0].ErrorMessage, "dead-lettered after 2 attempts")
}
