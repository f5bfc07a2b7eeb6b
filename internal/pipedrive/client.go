// Package pipedrive talks to the Pipedrive REST API: deal product reconciliation,
// deal search and the reference data (field options, stages, owners) both need.
package pipedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealsync/internal/config"
	"dealsync/internal/observability"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultOwnerWorkers = 8
	maxResponseSize     = 10 * 1024 * 1024
	pageLimit           = 100
)

// Options configures a Client. Zero values fall back to sane defaults.
type Options struct {
	BaseURL           string
	APIToken          string
	PipelineID        int
	DealStatuses      []string
	ExcludedStageName string
	Fields            config.FieldKeys
	OwnerFetchWorkers int
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// OptionsFromConfig maps the service configuration onto client options.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) Options {
	return Options{
		BaseURL:           cfg.PipedriveBaseURL,
		APIToken:          cfg.PipedriveAPIToken,
		PipelineID:        cfg.PipelineID,
		DealStatuses:      cfg.DealStatuses,
		ExcludedStageName: cfg.ExcludedStageName,
		Fields:            cfg.Fields,
		OwnerFetchWorkers: cfg.OwnerFetchWorkers,
		Timeout:           cfg.RequestTimeout,
		Logger:            logger,
	}
}

// Client is safe for concurrent use. Reference data fetched through it is cached
// for the lifetime of the Client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
	opts    Options
	cache   *referenceCache
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.OwnerFetchWorkers <= 0 {
		opts.OwnerFetchWorkers = defaultOwnerWorkers
	}
	if len(opts.DealStatuses) == 0 {
		opts.DealStatuses = []string{"open", "won", "lost"}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.APIToken,
		http:    httpClient,
		logger:  observability.OrNop(opts.Logger).Named("pipedrive"),
		opts:    opts,
		cache:   newReferenceCache(),
	}
}

// fetch performs one request and decodes the JSON body into out (which may be nil).
func (c *Client) fetch(ctx context.Context, method, path string, query map[string]any, body any, out any) error {
	route := routeLabel(path)
	target := c.baseURL + path
	if qs := buildQuery(c.token, query); qs != "" {
		target += "?" + qs
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, route, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, route, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.CRMRequestsTotal.WithLabelValues(method, route, "transport_error").Inc()
		c.logger.Warn("request failed", zap.String("method", method), zap.String("route", route), zap.Error(err))
		return fmt.Errorf("pipedrive %s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	elapsed := time.Since(start)
	observability.CRMRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	observability.CRMRequestsTotal.WithLabelValues(method, route, statusClass(resp.StatusCode)).Inc()
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", method, route, err)
	}

	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("route", route),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed),
	)
	return decodeResponse(resp.StatusCode, raw, out)
}

func decodeResponse(status int, raw []byte, out any) error {
	ok := status >= 200 && status < 300
	if ok && len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var head responseHead
	if err := json.Unmarshal(raw, &head); err != nil {
		if !ok {
			return &APIError{Status: status, Message: fmt.Sprintf("HTTP %d", status)}
		}
		return &ParseError{Status: status, Excerpt: excerpt(raw), Err: err}
	}

	if !ok || (head.Success != nil && !*head.Success) {
		msg := errorMessage(head.Error)
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", status)
		}
		return &APIError{Status: status, Message: msg, Info: head.ErrorInfo}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ParseError{Status: status, Excerpt: excerpt(raw), Err: err}
	}
	return nil
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// getData issues a GET and returns the envelope payload and pagination metadata.
func getData[T any](ctx context.Context, c *Client, path string, query map[string]any) (T, additionalData, error) {
	var env envelope[T]
	err := c.fetch(ctx, http.MethodGet, path, query, nil, &env)
	return env.Data, env.AdditionalData, err
}

// collectCursor follows v2 next_cursor pagination until the cursor is empty.
func collectCursor[T any](ctx context.Context, c *Client, path string, query map[string]any) ([]T, error) {
	var all []T
	var cursor *string
	for {
		q := make(map[string]any, len(query)+1)
		for k, v := range query {
			q[k] = v
		}
		q["cursor"] = cursor

		page, extra, err := getData[[]T](ctx, c, path, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)

		next := extra.NextCursor
		if next == nil || *next == "" {
			return all, nil
		}
		if cursor != nil && *cursor == *next {
			return nil, fmt.Errorf("pipedrive %s: cursor %q repeated", routeLabel(path), *next)
		}
		cursor = next
	}
}

// collectOffset follows v1 start/limit pagination.
func collectOffset[T any](ctx context.Context, c *Client, path string, limit int) ([]T, error) {
	var all []T
	start := 0
	for {
		page, extra, err := getData[[]T](ctx, c, path, map[string]any{"start": start, "limit": limit})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)

		p := extra.Pagination
		if p == nil || !p.MoreItemsInCollection {
			return all, nil
		}
		next := start + len(page)
		if p.NextStart != nil {
			next = *p.NextStart
		}
		if next <= start {
			return all, nil
		}
		start = next
	}
}

// buildQuery is the only place query strings are built. nil values (including
// typed nil pointers) are dropped and the API token is always appended.
func buildQuery(token string, params map[string]any) string {
	values := url.Values{}
	for k, v := range params {
		if s, ok := queryValue(v); ok {
			values.Set(k, s)
		}
	}
	if token != "" {
		values.Set("api_token", token)
	}
	return values.Encode()
}

func queryValue(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), true
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return "", false
		}
		parts := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if s, ok := queryValue(rv.Index(i).Interface()); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ","), true
	default:
		return fmt.Sprint(rv.Interface()), true
	}
}

// routeLabel collapses numeric path segments so metric labels stay bounded.
func routeLabel(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if s == "" {
			continue
		}
		if _, err := strconv.Atoi(s); err == nil {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
