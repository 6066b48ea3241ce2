package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultGoogleCalendarBaseURL = "https://www.googleapis.com/calendar/v3"
	googleRemoteType             = "Event"
	googleOriginProperty         = "syncbridge_origin"
	googleLocalIDProperty        = "syncbridge_local_id"
	googleListPageSize           = 250
	// googleMaxListPages bounds one ListChanges call; the sync token picks
	// up anything left on the next poll.
	googleMaxListPages = 40
)

type GoogleCalendarClientOptions struct {
	BaseURL           string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Burst             int
	Now               func() time.Time
}

// GoogleCalendarClient manages events on the calendar named by the
// connection's account id.
type GoogleCalendarClient struct {
	baseURL    string
	httpClient *http.Client
	limiters   *accountLimiters
	now        func() time.Time
}

func NewGoogleCalendarClient(opts GoogleCalendarClientOptions) *GoogleCalendarClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGoogleCalendarBaseURL
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &GoogleCalendarClient{
		baseURL:    baseURL,
		httpClient: newProviderHTTPClient(opts.HTTPClient),
		limiters:   newAccountLimiters(opts.RequestsPerSecond, opts.Burst),
		now:        now,
	}
}

func (c *GoogleCalendarClient) Create(ctx context.Context, conn Connection, remoteType string, payload RemotePayload) (RemoteEntity, error) {
	resp, err := c.do(ctx, conn, "create", http.MethodPost, c.eventsURL(conn, ""), payload, nil)
	if err != nil {
		return RemoteEntity{}, err
	}
	return decodeGoogleEvent("create", resp.Body)
}

// Update replaces the event. token is the event etag sent as If-Match, so a
// concurrent edit surfaces as a conflict.
func (c *GoogleCalendarClient) Update(ctx context.Context, conn Connection, remoteType, remoteID, token string, payload RemotePayload) (RemoteEntity, error) {
	var headers map[string]string
	if token != "" {
		headers = map[string]string{"If-Match": token}
	}
	resp, err := c.do(ctx, conn, "update", http.MethodPut, c.eventsURL(conn, remoteID), payload, headers)
	if err != nil {
		return RemoteEntity{}, err
	}
	return decodeGoogleEvent("update", resp.Body)
}

func (c *GoogleCalendarClient) Fetch(ctx context.Context, conn Connection, remoteType, remoteID string) (RemoteEntity, error) {
	resp, err := c.do(ctx, conn, "fetch", http.MethodGet, c.eventsURL(conn, remoteID), nil, nil)
	if err != nil {
		return RemoteEntity{}, err
	}
	return decodeGoogleEvent("fetch", resp.Body)
}

// Delete removes the event. An event that is already gone counts as
// deleted.
func (c *GoogleCalendarClient) Delete(ctx context.Context, conn Connection, remoteType, remoteID, token string) (RemoteEntity, error) {
	var headers map[string]string
	if token != "" {
		headers = map[string]string{"If-Match": token}
	}
	_, err := c.do(ctx, conn, "delete", http.MethodDelete, c.eventsURL(conn, remoteID), nil, headers)
	var syncErr *SyncError
	if err != nil && !(errors.As(err, &syncErr) && syncErr.StatusCode == http.StatusGone) {
		return RemoteEntity{}, err
	}
	return RemoteEntity{Type: googleRemoteType, ID: remoteID, Deleted: true, Status: "cancelled"}, nil
}

// ListChanges runs an incremental sync from cursor, the sync token of the
// previous listing. An empty cursor lists every event. A 410 from the API
// means the token was invalidated and is reported as ErrSyncTokenExpired.
func (c *GoogleCalendarClient) ListChanges(ctx context.Context, conn Connection, cursor string) (ChangePage, error) {
	var page ChangePage
	pageToken := ""
	for n := 0; n < googleMaxListPages; n++ {
		query := url.Values{}
		query.Set("maxResults", fmt.Sprint(googleListPageSize))
		query.Set("showDeleted", "true")
		if cursor != "" {
			query.Set("syncToken", cursor)
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		resp, err := c.do(ctx, conn, "list_changes", http.MethodGet, c.eventsURL(conn, "")+"?"+query.Encode(), nil, nil)
		if err != nil {
			var syncErr *SyncError
			if errors.As(err, &syncErr) && syncErr.StatusCode == http.StatusGone {
				syncErr.Err = ErrSyncTokenExpired
				syncErr.Message = "sync token expired, full resync required"
			}
			return ChangePage{}, err
		}
		var listing struct {
			Items         []map[string]any `json:"items"`
			NextPageToken string           `json:"nextPageToken"`
			NextSyncToken string           `json:"nextSyncToken"`
		}
		if err := json.Unmarshal(resp.Body, &listing); err != nil {
			return ChangePage{}, &SyncError{Class: ClassTransient, Op: "list_changes", Message: "decode event listing", Err: err}
		}
		for _, item := range listing.Items {
			entity := googleEntity(item)
			if entity.ID == "" {
				continue
			}
			operation := ChangeUpsert
			if entity.Deleted {
				operation = ChangeDelete
			}
			page.Changes = append(page.Changes, RemoteChange{
				Provider:     ProviderGoogleCalendar,
				AccountID:    conn.AccountID,
				ConnectionID: conn.ID,
				RemoteType:   googleRemoteType,
				RemoteID:     entity.ID,
				Operation:    operation,
				ModifiedAt:   entity.ModifiedAt,
				Entity:       &entity,
			})
		}
		if listing.NextPageToken == "" {
			page.NextCursor = listing.NextSyncToken
			return page, nil
		}
		pageToken = listing.NextPageToken
	}
	// Page cap reached: keep the old cursor so the remainder is listed again.
	page.NextCursor = cursor
	return page, nil
}

func (c *GoogleCalendarClient) eventsURL(conn Connection, eventID string) string {
	path := fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(conn.AccountID))
	if eventID != "" {
		path += "/" + url.PathEscape(eventID)
	}
	return path
}

func (c *GoogleCalendarClient) do(ctx context.Context, conn Connection, op, method, endpoint string, body RemotePayload, headers map[string]string) (providerResponse, error) {
	if strings.TrimSpace(conn.AccountID) == "" {
		return providerResponse{}, newSyncError(ClassValidation, op, "connection has no calendar id")
	}
	req := providerRequest{
		Provider:   ProviderGoogleCalendar,
		Op:         op,
		RemoteType: googleRemoteType,
		AccountID:  conn.AccountID,
		Method:     method,
		URL:        endpoint,
		Token:      conn.AccessToken,
		Headers:    headers,
	}
	if body != nil {
		req.Body = body
	}
	resp, err := doProviderRequest(ctx, c.httpClient, c.limiters, req)
	if err != nil {
		return providerResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providerResponse{}, parseGoogleError(op, resp, c.now())
	}
	return resp, nil
}

func decodeGoogleEvent(op string, body []byte) (RemoteEntity, error) {
	var item map[string]any
	if err := json.Unmarshal(body, &item); err != nil {
		return RemoteEntity{}, &SyncError{Class: ClassTransient, Op: op, Message: "decode event", Err: err}
	}
	entity := googleEntity(item)
	if entity.ID == "" {
		return RemoteEntity{}, newSyncError(ClassTransient, op, "event response has no id")
	}
	return entity, nil
}

func googleEntity(item map[string]any) RemoteEntity {
	status := payloadString(item, "status")
	return RemoteEntity{
		Type:             googleRemoteType,
		ID:               payloadString(item, "id"),
		ConcurrencyToken: payloadString(item, "etag"),
		ModifiedAt:       parseProviderTime(payloadString(item, "updated")),
		Origin:           payloadString(item, "extendedProperties", "private", googleOriginProperty),
		Deleted:          status == "cancelled",
		Status:           status,
		Payload:          item,
	}
}

func parseGoogleError(op string, resp providerResponse, now time.Time) error {
	var decoded struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
			Errors  []struct {
				Domain string `json:"domain"`
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	_ = json.Unmarshal(resp.Body, &decoded)
	syncErr := &SyncError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    truncateMessage(decoded.Error.Message),
		RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After"), now),
	}
	if syncErr.Message == "" {
		syncErr.Message = truncateMessage(string(resp.Body))
	}
	reason := ""
	if len(decoded.Error.Errors) > 0 {
		reason = decoded.Error.Errors[0].Reason
		syncErr.ProviderCode = reason
	}
	switch {
	case resp.StatusCode == http.StatusForbidden && isGoogleRateLimitReason(reason):
		syncErr.Class = ClassRateLimit
	case resp.StatusCode == http.StatusForbidden && reason == "insufficientPermissions":
		syncErr.Class = ClassAuth
	default:
		syncErr.Class = classFromStatus(resp.StatusCode)
	}
	return syncErr
}

func isGoogleRateLimitReason(reason string) bool {
	switch reason {
	case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
		return true
	default:
		return false
	}
}
