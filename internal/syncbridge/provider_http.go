package syncbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/agentworkforce/syncbridge/internal/syncbridge"

// maxProviderResponseBytes caps how much of a provider response is read.
const maxProviderResponseBytes = 8 << 20

type providerRequest struct {
	Provider   Provider
	Op         string
	RemoteType string
	AccountID  string
	Method     string
	URL        string
	Token      string
	Body       any
	Headers    map[string]string
}

type providerResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// accountLimiters paces requests per provider account.
type accountLimiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	byKey map[string]*rate.Limiter
}

func newAccountLimiters(perSecond float64, burst int) *accountLimiters {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &accountLimiters{limit: limit, burst: burst, byKey: map[string]*rate.Limiter{}}
}

func (l *accountLimiters) wait(ctx context.Context, key string) error {
	l.mu.Lock()
	limiter, ok := l.byKey[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.byKey[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Wait(ctx)
}

// doProviderRequest performs one traced HTTP exchange. Transport failures
// come back as transient *SyncError; HTTP error statuses are returned in the
// response for the provider-specific parser.
func doProviderRequest(ctx context.Context, httpClient *http.Client, limiters *accountLimiters, req providerRequest) (providerResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, string(req.Provider)+"."+req.Op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("sync.provider", string(req.Provider)),
		attribute.String("sync.remote_type", req.RemoteType),
		attribute.String("sync.account_id", req.AccountID),
		attribute.String("http.method", req.Method),
	)

	fail := func(err error) (providerResponse, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return providerResponse{}, err
	}
	if limiters != nil {
		if err := limiters.wait(ctx, req.AccountID); err != nil {
			return fail(&SyncError{Class: ClassTransient, Op: req.Op, Message: "request pacing interrupted", Err: err})
		}
	}
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return fail(&SyncError{Class: ClassValidation, Op: req.Op, Message: "encode request body", Err: err})
		}
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fail(&SyncError{Class: ClassValidation, Op: req.Op, Err: err})
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(req.Token); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return fail(&SyncError{Class: ClassTransient, Op: req.Op, Message: "provider request failed", Err: err})
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return fail(&SyncError{Class: ClassTransient, Op: req.Op, StatusCode: resp.StatusCode, Message: "read provider response", Err: err})
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return providerResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func newProviderHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultRemoteTimeout}
}

const maxMessageBytes = 300

// truncateMessage shortens message to at most maxMessageBytes, cutting on a
// rune boundary. The result is always valid UTF-8.
func truncateMessage(message string) string {
	message = strings.ToValidUTF8(strings.TrimSpace(message), "\uFFFD")
	if len(message) <= maxMessageBytes {
		return message
	}
	n := maxMessageBytes
	for n > 0 && !utf8.RuneStart(message[n]) {
		n--
	}
	return message[:n] + "..."
}

func parseProviderTime(raw string) time.Time {
	parsed, ok := parseFlexibleTime(raw)
	if !ok {
		return time.Time{}
	}
	return parsed.UTC()
}
