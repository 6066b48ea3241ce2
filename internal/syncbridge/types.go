package syncbridge

import (
	"fmt"
	"strings"
	"time"
)

type Provider string

const (
	ProviderQuickBooks     Provider = "quickbooks"
	ProviderGoogleCalendar Provider = "google_calendar"
)

func ParseProvider(raw string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderQuickBooks:
		return ProviderQuickBooks, nil
	case ProviderGoogleCalendar:
		return ProviderGoogleCalendar, nil
	default:
		return "", fmt.Errorf("%w: provider %q", ErrInvalidInput, raw)
	}
}

// Direction is relative to the local system: to_remote is outbound.
type Direction string

const (
	DirectionToRemote      Direction = "to_remote"
	DirectionFromRemote    Direction = "from_remote"
	DirectionBidirectional Direction = "bidirectional"
)

type MappingStatus string

const (
	MappingPending      MappingStatus = "pending"
	MappingSynced       MappingStatus = "synced"
	MappingPendingRetry MappingStatus = "pending_retry"
	MappingFailed       MappingStatus = "failed"
)

type PendingStatus string

const (
	PendingQueued     PendingStatus = "pending"
	PendingProcessing PendingStatus = "processing"
	PendingDone       PendingStatus = "done"
	PendingFailed     PendingStatus = "failed"
)

type Connection struct {
	ID                    string     `json:"id"`
	TenantID              string     `json:"tenantId"`
	Provider              Provider   `json:"provider"`
	AccountID             string     `json:"accountId"`
	AccessToken           string     `json:"accessToken,omitempty"`
	RefreshToken          string     `json:"refreshToken,omitempty"`
	AccessTokenExpiresAt  time.Time  `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt *time.Time `json:"refreshTokenExpiresAt,omitempty"`
	Active                bool       `json:"active"`
	LastError             string     `json:"lastError,omitempty"`
	SyncDirection         Direction  `json:"syncDirection"`
	DefaultProjectID      string     `json:"defaultProjectId,omitempty"`
	ChangeCursor          string     `json:"changeCursor,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

func (c Connection) accessTokenExpired(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.AccessTokenExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.AccessTokenExpiresAt)
}

func (c Connection) allowsInboundCreate() bool {
	return c.SyncDirection == DirectionBidirectional || c.SyncDirection == DirectionFromRemote
}

// Redacted returns a copy without OAuth tokens, safe to serialize to callers.
func (c Connection) Redacted() Connection {
	c.AccessToken = ""
	c.RefreshToken = ""
	return c
}

type EntityMapping struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenantId"`
	ConnectionID     string        `json:"connectionId"`
	LocalType        EntityType    `json:"localType"`
	LocalID          string        `json:"localId"`
	RemoteType       string        `json:"remoteType"`
	RemoteID         string        `json:"remoteId,omitempty"`
	ConcurrencyToken string        `json:"concurrencyToken,omitempty"`
	Status           MappingStatus `json:"status"`
	LastSyncedAt     *time.Time    `json:"lastSyncedAt,omitempty"`
	LastError        string        `json:"lastError,omitempty"`
	LastErrorClass   ErrorClass    `json:"lastErrorClass,omitempty"`
	RetryCount       int           `json:"retryCount"`
	RemoteModifiedAt *time.Time    `json:"remoteModifiedAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

type PendingSync struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenantId"`
	ConnectionID string        `json:"connectionId"`
	EntityType   EntityType    `json:"entityType"`
	EntityID     string        `json:"entityId"`
	Direction    Direction     `json:"direction"`
	Priority     int           `json:"priority"`
	ScheduledAt  time.Time     `json:"scheduledAt"`
	Status       PendingStatus `json:"status"`
	LastError    string        `json:"lastError,omitempty"`
	Attempts     int           `json:"attempts"`
	Requeued     bool          `json:"requeued,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

const (
	OperationSyncEntity    = "sync_entity"
	OperationDeleteEntity  = "delete_entity"
	OperationBulkEnqueue   = "bulk_enqueue"
	OperationInboundChange = "inbound_change"
	OperationTokenRefresh  = "token_refresh"
	OperationWebhook       = "webhook"
	OperationChangeFeed    = "change_feed"
)

type SyncLogEntry struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	ConnectionID string     `json:"connectionId"`
	Operation    string     `json:"operation"`
	Direction    Direction  `json:"direction"`
	EntityType   EntityType `json:"entityType,omitempty"`
	EntityID     string     `json:"entityId,omitempty"`
	Outcome      string     `json:"outcome"`
	Processed    int        `json:"processed"`
	Created      int        `json:"created"`
	Updated      int        `json:"updated"`
	Failed       int        `json:"failed"`
	Skipped      int        `json:"skipped"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   time.Time  `json:"finishedAt"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ErrorClass   ErrorClass `json:"errorClass,omitempty"`
	Retryable    bool       `json:"isRetryable"`
}

// LocalEntity is a row of the local domain store. Fields holds the
// record's columns as decoded JSON values.
type LocalEntity struct {
	TenantID          string         `json:"tenantId"`
	Type              EntityType     `json:"type"`
	ID                string         `json:"id"`
	Status            string         `json:"status,omitempty"`
	Fields            map[string]any `json:"fields"`
	ExternalUpdatedAt *time.Time     `json:"externalUpdatedAt,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

type RemotePayload map[string]any

type RemoteEntity struct {
	Type             string         `json:"type"`
	ID               string         `json:"id"`
	ConcurrencyToken string         `json:"concurrencyToken,omitempty"`
	ModifiedAt       time.Time      `json:"modifiedAt"`
	Origin           string         `json:"origin,omitempty"`
	Deleted          bool           `json:"deleted,omitempty"`
	Status           string         `json:"status,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
}

type ChangeOperation string

const (
	ChangeUpsert ChangeOperation = "upsert"
	ChangeDelete ChangeOperation = "delete"
	// ChangeFeedPoll asks the inbox to pull the connection's change feed.
	ChangeFeedPoll ChangeOperation = "poll"
)

type RemoteChange struct {
	Provider     Provider        `json:"provider"`
	AccountID    string          `json:"accountId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	RemoteType   string          `json:"remoteType"`
	RemoteID     string          `json:"remoteId"`
	Operation    ChangeOperation `json:"operation"`
	ModifiedAt   time.Time       `json:"modifiedAt"`
	Entity       *RemoteEntity   `json:"entity,omitempty"`
}
