package syncbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultQuickBooksBaseURL      = "https://quickbooks.api.intuit.com"
	defaultQuickBooksMinorVersion = "70"
	// quickBooksCDCLookback is the furthest back the change data capture
	// endpoint will answer for.
	quickBooksCDCLookback = 30 * 24 * time.Hour
)

type QuickBooksClientOptions struct {
	BaseURL           string
	HTTPClient        *http.Client
	MinorVersion      string
	RequestsPerSecond float64
	Burst             int
	Now               func() time.Time
}

// QuickBooksClient speaks the QuickBooks Online v3 accounting API for one
// company (realm) per connection.
type QuickBooksClient struct {
	baseURL      string
	httpClient   *http.Client
	minorVersion string
	limiters     *accountLimiters
	now          func() time.Time
}

func NewQuickBooksClient(opts QuickBooksClientOptions) *QuickBooksClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultQuickBooksBaseURL
	}
	minor := strings.TrimSpace(opts.MinorVersion)
	if minor == "" {
		minor = defaultQuickBooksMinorVersion
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &QuickBooksClient{
		baseURL:      baseURL,
		httpClient:   newProviderHTTPClient(opts.HTTPClient),
		minorVersion: minor,
		limiters:     newAccountLimiters(opts.RequestsPerSecond, opts.Burst),
		now:          now,
	}
}

func (c *QuickBooksClient) Create(ctx context.Context, conn Connection, remoteType string, payload RemotePayload) (RemoteEntity, error) {
	return c.write(ctx, conn, "create", remoteType, payload)
}

// Update sends a sparse update. token is the entity's SyncToken; QuickBooks
// rejects stale tokens with fault 5010.
func (c *QuickBooksClient) Update(ctx context.Context, conn Connection, remoteType, remoteID, token string, payload RemotePayload) (RemoteEntity, error) {
	body := make(RemotePayload, len(payload)+3)
	for key, value := range payload {
		body[key] = value
	}
	body["Id"] = remoteID
	body["SyncToken"] = token
	body["sparse"] = true
	return c.write(ctx, conn, "update", remoteType, body)
}

func (c *QuickBooksClient) write(ctx context.Context, conn Connection, op, remoteType string, body RemotePayload) (RemoteEntity, error) {
	resp, err := c.do(ctx, conn, op, remoteType, http.MethodPost, c.entityURL(conn, remoteType, ""), body)
	if err != nil {
		return RemoteEntity{}, err
	}
	return c.decodeEntity(op, remoteType, resp.Body)
}

func (c *QuickBooksClient) Fetch(ctx context.Context, conn Connection, remoteType, remoteID string) (RemoteEntity, error) {
	resp, err := c.do(ctx, conn, "fetch", remoteType, http.MethodGet, c.entityURL(conn, remoteType, remoteID), nil)
	if err != nil {
		return RemoteEntity{}, err
	}
	return c.decodeEntity("fetch", remoteType, resp.Body)
}

// Delete removes a transaction. Name-list entities (Vendor, Customer) cannot
// be deleted in QuickBooks and are made inactive instead.
func (c *QuickBooksClient) Delete(ctx context.Context, conn Connection, remoteType, remoteID, token string) (RemoteEntity, error) {
	body := RemotePayload{"Id": remoteID, "SyncToken": token}
	if isQuickBooksNameList(remoteType) {
		body["sparse"] = true
		body["Active"] = false
		return c.write(ctx, conn, "delete", remoteType, body)
	}
	endpoint := c.entityURL(conn, remoteType, "") + "&operation=delete"
	resp, err := c.do(ctx, conn, "delete", remoteType, http.MethodPost, endpoint, body)
	if err != nil {
		return RemoteEntity{}, err
	}
	return c.decodeEntity("delete", remoteType, resp.Body)
}

func isQuickBooksNameList(remoteType string) bool {
	switch remoteType {
	case "Vendor", "Customer":
		return true
	default:
		return false
	}
}

// ListChanges reads the change data capture feed. The cursor is the server
// time of the previous response; an empty cursor looks back as far as the
// API allows.
func (c *QuickBooksClient) ListChanges(ctx context.Context, conn Connection, cursor string) (ChangePage, error) {
	since := c.now().Add(-quickBooksCDCLookback)
	if parsed, ok := parseFlexibleTime(cursor); ok {
		since = parsed
	}
	types := make([]string, 0, 4)
	for _, entityType := range EntityTypesFor(ProviderQuickBooks) {
		types = append(types, RemoteTypeFor(entityType))
	}
	query := url.Values{}
	query.Set("entities", strings.Join(types, ","))
	query.Set("changedSince", since.UTC().Format(time.RFC3339))
	query.Set("minorversion", c.minorVersion)
	endpoint := fmt.Sprintf("%s/v3/company/%s/cdc?%s", c.baseURL, url.PathEscape(conn.AccountID), query.Encode())

	resp, err := c.do(ctx, conn, "list_changes", "", http.MethodGet, endpoint, nil)
	if err != nil {
		return ChangePage{}, err
	}
	var decoded struct {
		CDCResponse []struct {
			QueryResponse []map[string]json.RawMessage `json:"QueryResponse"`
		} `json:"CDCResponse"`
		Time string `json:"time"`
	}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return ChangePage{}, &SyncError{Class: ClassTransient, Op: "list_changes", Message: "decode change feed", Err: err}
	}

	page := ChangePage{NextCursor: decoded.Time}
	if page.NextCursor == "" {
		page.NextCursor = c.now().Format(time.RFC3339)
	}
	for _, block := range decoded.CDCResponse {
		for _, section := range block.QueryResponse {
			for remoteType, raw := range section {
				if _, ok := specForRemote(ProviderQuickBooks, remoteType); !ok {
					continue
				}
				var objects []map[string]any
				if err := json.Unmarshal(raw, &objects); err != nil {
					continue
				}
				for _, object := range objects {
					entity := quickBooksEntity(remoteType, object)
					if entity.ID == "" {
						continue
					}
					operation := ChangeUpsert
					if entity.Deleted {
						operation = ChangeDelete
					}
					page.Changes = append(page.Changes, RemoteChange{
						Provider:     ProviderQuickBooks,
						AccountID:    conn.AccountID,
						ConnectionID: conn.ID,
						RemoteType:   remoteType,
						RemoteID:     entity.ID,
						Operation:    operation,
						ModifiedAt:   entity.ModifiedAt,
						Entity:       &entity,
					})
				}
			}
		}
	}
	return page, nil
}

func (c *QuickBooksClient) entityURL(conn Connection, remoteType, remoteID string) string {
	path := fmt.Sprintf("%s/v3/company/%s/%s", c.baseURL, url.PathEscape(conn.AccountID), strings.ToLower(remoteType))
	if remoteID != "" {
		path += "/" + url.PathEscape(remoteID)
	}
	return path + "?minorversion=" + url.QueryEscape(c.minorVersion)
}

func (c *QuickBooksClient) do(ctx context.Context, conn Connection, op, remoteType, method, endpoint string, body any) (providerResponse, error) {
	if strings.TrimSpace(conn.AccountID) == "" {
		return providerResponse{}, newSyncError(ClassValidation, op, "connection has no realm id")
	}
	req := providerRequest{
		Provider:   ProviderQuickBooks,
		Op:         op,
		RemoteType: remoteType,
		AccountID:  conn.AccountID,
		Method:     method,
		URL:        endpoint,
		Token:      conn.AccessToken,
	}
	if body != nil {
		req.Body = body
	}
	resp, err := doProviderRequest(ctx, c.httpClient, c.limiters, req)
	if err != nil {
		return providerResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providerResponse{}, parseQuickBooksError(op, resp, c.now())
	}
	// QuickBooks occasionally reports faults with a 200 status.
	if fault, ok := decodeQuickBooksFault(resp.Body); ok && len(fault.Errors) > 0 {
		return providerResponse{}, quickBooksFaultError(op, resp, fault, c.now())
	}
	return resp, nil
}

func (c *QuickBooksClient) decodeEntity(op, remoteType string, body []byte) (RemoteEntity, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return RemoteEntity{}, &SyncError{Class: ClassTransient, Op: op, Message: "decode response", Err: err}
	}
	raw, ok := envelope[remoteType]
	if !ok {
		return RemoteEntity{}, newSyncError(ClassTransient, op, fmt.Sprintf("response has no %s object", remoteType))
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return RemoteEntity{}, &SyncError{Class: ClassTransient, Op: op, Message: "decode entity", Err: err}
	}
	entity := quickBooksEntity(remoteType, object)
	if entity.ID == "" {
		return RemoteEntity{}, newSyncError(ClassTransient, op, fmt.Sprintf("%s response has no Id", remoteType))
	}
	return entity, nil
}

func quickBooksEntity(remoteType string, object map[string]any) RemoteEntity {
	entity := RemoteEntity{
		Type:             remoteType,
		ID:               payloadString(object, "Id"),
		ConcurrencyToken: payloadString(object, "SyncToken"),
		ModifiedAt:       parseProviderTime(payloadString(object, "MetaData", "LastUpdatedTime")),
		Payload:          object,
	}
	if strings.EqualFold(payloadString(object, "status"), "Deleted") {
		entity.Deleted = true
		entity.Status = "deleted"
		return entity
	}
	if active, ok := object["Active"].(bool); ok && !active {
		entity.Status = "inactive"
	}
	return entity
}

type quickBooksFault struct {
	Type   string `json:"type"`
	Errors []struct {
		Message string `json:"Message"`
		Detail  string `json:"Detail"`
		Code    string `json:"code"`
		Element string `json:"element"`
	} `json:"Error"`
}

// decodeQuickBooksFault accepts both the "Fault" and the lower-case "fault"
// spellings the API uses.
func decodeQuickBooksFault(body []byte) (quickBooksFault, bool) {
	var envelope struct {
		Fault *quickBooksFault `json:"Fault"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Fault == nil {
		return quickBooksFault{}, false
	}
	return *envelope.Fault, true
}

func parseQuickBooksError(op string, resp providerResponse, now time.Time) error {
	fault, _ := decodeQuickBooksFault(resp.Body)
	return quickBooksFaultError(op, resp, fault, now)
}

func quickBooksFaultError(op string, resp providerResponse, fault quickBooksFault, now time.Time) error {
	syncErr := &SyncError{
		Op:         op,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After"), now),
	}
	if len(fault.Errors) > 0 {
		first := fault.Errors[0]
		syncErr.ProviderCode = strings.TrimLeft(strings.TrimSpace(first.Code), "0")
		syncErr.Message = first.Message
		if first.Detail != "" {
			syncErr.Message = first.Message + ": " + first.Detail
		}
	}
	if syncErr.Message == "" {
		syncErr.Message = string(resp.Body)
	}
	syncErr.Message = truncateMessage(syncErr.Message)

	faultType := strings.ToLower(fault.Type)
	switch {
	case resp.StatusCode == http.StatusUnauthorized, strings.Contains(faultType, "authentication"), syncErr.ProviderCode == "3200":
		syncErr.Class = ClassAuth
	case resp.StatusCode == http.StatusTooManyRequests, strings.Contains(faultType, "throttle"), syncErr.ProviderCode == "3001":
		syncErr.Class = ClassRateLimit
	case syncErr.ProviderCode == "5010":
		syncErr.Class = ClassConflict
	case syncErr.ProviderCode == "610", resp.StatusCode == http.StatusNotFound:
		syncErr.Class = ClassNotFound
	case resp.StatusCode >= 500:
		syncErr.Class = ClassTransient
	case strings.Contains(faultType, "validation"):
		syncErr.Class = ClassValidation
	default:
		syncErr.Class = classFromStatus(resp.StatusCode)
		if syncErr.Class == ClassUnknown {
			syncErr.Class = ClassValidation
		}
	}
	return syncErr
}
