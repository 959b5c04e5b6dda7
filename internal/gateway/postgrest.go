package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 10 << 20
	restPrefix      = "/rest/v1/"
)

// PostgREST talks to a PostgREST endpoint such as Supabase's /rest/v1 API.
type PostgREST struct {
	httpClient *http.Client
	baseURL    string
	key        string
}

var _ Gateway = (*PostgREST)(nil)

// NewPostgREST creates a client for baseURL authenticated with key.
// Both values are required. A nil httpClient gets a 15s timeout.
func NewPostgREST(baseURL, key string, httpClient *http.Client) (*PostgREST, error) {
	baseURL = strings.TrimSpace(baseURL)
	key = strings.TrimSpace(key)
	if baseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}
	if key == "" {
		return nil, fmt.Errorf("gateway: access key is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &PostgREST{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
	}, nil
}

// Select runs GET /rest/v1/<table> with filters, ordering and a range window.
func (c *PostgREST) Select(ctx context.Context, q Query, dest any) error {
	params, err := encodeFilters(q.Filters)
	if err != nil {
		return &Error{Op: "select", Table: q.Table, Err: err}
	}
	if len(q.Columns) > 0 {
		params.Set("select", strings.Join(q.Columns, ","))
	}
	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			parts[i] = o.Column + "." + dir
		}
		params.Set("order", strings.Join(parts, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	_, err = c.do(ctx, "select", http.MethodGet, q.Table, params, nil, nil, dest)
	return err
}

// Count issues a HEAD request with Prefer: count=exact and reads the total
// from the Content-Range header.
func (c *PostgREST) Count(ctx context.Context, table string, filters ...Filter) (int, error) {
	params, err := encodeFilters(filters)
	if err != nil {
		return 0, &Error{Op: "count", Table: table, Err: err}
	}
	params.Set("select", "id")
	hdr, err := c.do(ctx, "count", http.MethodHead, table, params, nil, map[string]string{"Prefer": "count=exact"}, nil)
	if err != nil {
		return 0, err
	}
	n, err := parseContentRangeTotal(hdr.Get("Content-Range"))
	if err != nil {
		return 0, &Error{Op: "count", Table: table, Err: err}
	}
	return n, nil
}

// Insert posts one row and decodes the stored representation into dest.
func (c *PostgREST) Insert(ctx context.Context, table string, row map[string]any, dest any) error {
	_, err := c.do(ctx, "insert", http.MethodPost, table, nil, row,
		map[string]string{"Prefer": "return=representation"}, dest)
	return err
}

// Update patches every row matching filters and decodes the affected rows into dest.
func (c *PostgREST) Update(ctx context.Context, table string, patch map[string]any, filters []Filter, dest any) error {
	if len(filters) == 0 {
		return &Error{Op: "update", Table: table, Err: ErrUnfilteredUpdate}
	}
	params, err := encodeFilters(filters)
	if err != nil {
		return &Error{Op: "update", Table: table, Err: err}
	}
	_, err = c.do(ctx, "update", http.MethodPatch, table, params, patch,
		map[string]string{"Prefer": "return=representation"}, dest)
	return err
}

// storeError is the PostgREST error body.
type storeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (c *PostgREST) do(ctx context.Context, op, method, table string, params url.Values, body any, headers map[string]string, dest any) (http.Header, error) {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Op: op, Table: table, Err: fmt.Errorf("marshal request: %w", err)}
		}
		bodyReader = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + restPrefix + url.PathEscape(table)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, &Error{Op: op, Table: table, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Table: table, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		msg := strings.TrimSpace(string(raw))
		var se storeError
		if json.Unmarshal(raw, &se) == nil && se.Message != "" {
			msg = se.Message
			if se.Code != "" {
				msg = se.Code + ": " + msg
			}
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{Op: op, Table: table, Status: resp.StatusCode, Message: msg}
	}

	if dest == nil || method == http.MethodHead {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header, nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(dest); err != nil {
		return nil, &Error{Op: op, Table: table, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.Header, nil
}

// encodeFilters renders filters as PostgREST query parameters
// (column=operator.value).
func encodeFilters(filters []Filter) (url.Values, error) {
	params := url.Values{}
	for _, f := range filters {
		if f.Column == "" {
			return nil, errors.New("filter column is empty")
		}
		switch f.Op {
		case OpEq, OpGte:
			params.Add(f.Column, string(f.Op)+"."+formatValue(f.Value))
		case OpIsNil:
			params.Add(f.Column, "is.null")
		case OpILike:
			params.Add(f.Column, "ilike.*"+escapeLike(formatValue(f.Value))+"*")
		case OpIn:
			values, ok := f.Value.([]string)
			if !ok {
				return nil, fmt.Errorf("in filter on %s needs []string, got %T", f.Column, f.Value)
			}
			quoted := make([]string, len(values))
			for i, v := range values {
				quoted[i] = strconv.Quote(v)
			}
			params.Add(f.Column, "in.("+strings.Join(quoted, ",")+")")
		default:
			return nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
	}
	return params, nil
}

// likeEscaper quotes LIKE metacharacters with Postgres' default escape
// character. PostgREST rewrites every '*' to '%' with no way to quote it,
// so a literal '*' degrades to the single-character wildcard.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `*`, `_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// parseContentRangeTotal extracts N from "0-24/N" or "*/N".
func parseContentRangeTotal(h string) (int, error) {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return 0, fmt.Errorf("missing count in Content-Range %q", h)
	}
	total := h[i+1:]
	if total == "*" {
		return 0, fmt.Errorf("store did not report an exact count")
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("bad count in Content-Range %q: %w", h, err)
	}
	return n, nil
}
