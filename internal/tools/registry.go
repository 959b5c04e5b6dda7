// Package tools holds the tool catalog: every tool pairs an MCP schema with
// a typed handler over the data gateway and the result cache.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/voicenotes/internal/cache"
	"github.com/starford/voicenotes/internal/gateway"
)

// ErrUnknownTool is returned by Call when no tool has the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// ArgumentError reports arguments that do not match a tool's schema.
type ArgumentError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s %s", e.Tool, e.Field, e.Reason)
}

// Event describes a completed mutation.
type Event struct {
	Type      string   `json:"type"`
	NoteIDs   []string `json:"note_ids,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
}

// Notifier receives mutation events. Implementations must not block.
type Notifier interface {
	Publish(Event)
}

// failure is implemented by results that carry a business error.
type failure interface {
	failed() bool
}

type entry struct {
	tool mcp.Tool
	call func(ctx context.Context, args map[string]any) (any, error)
}

// Registry dispatches tool calls by name.
type Registry struct {
	gw       gateway.Gateway
	cache    *cache.Cache
	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time

	order   []string
	entries map[string]entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets the receiver of mutation events.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithClock overrides the time source used for timestamps and stats.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds the full tool catalog over gw and c.
func NewRegistry(gw gateway.Gateway, c *cache.Cache, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		gw:      gw,
		cache:   c,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, o := range opts {
		o(r)
	}
	r.registerNoteTools()
	r.registerProjectTools()
	return r
}

// Tools returns the catalog in registration order.
func (r *Registry) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].tool)
	}
	return out
}

// Call validates args against the named tool's schema and runs it. The
// result is the tool's JSON output as a single text block, flagged as an
// error when the tool reports a business failure.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	res, err := e.call(ctx, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", name, err)
	}
	out := mcp.NewToolResultText(string(raw))
	if f, ok := res.(failure); ok && f.failed() {
		out.IsError = true
	}
	return out, nil
}

// register binds a typed handler to tool. It panics when the JSON fields of
// P do not match the schema's properties.
func register[P any, R any](r *Registry, tool mcp.Tool, h func(context.Context, P) R) {
	if _, dup := r.entries[tool.Name]; dup {
		panic("tools: duplicate tool " + tool.Name)
	}
	if err := checkParams(reflect.TypeOf((*P)(nil)).Elem(), tool); err != nil {
		panic("tools: " + tool.Name + ": " + err.Error())
	}
	r.order = append(r.order, tool.Name)
	r.entries[tool.Name] = entry{
		tool: tool,
		call: func(ctx context.Context, args map[string]any) (any, error) {
			var params P
			if err := bindArgs(tool, args, &params); err != nil {
				return nil, err
			}
			return h(ctx, params), nil
		},
	}
}

func checkParams(t reflect.Type, tool mcp.Tool) error {
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("params must be a struct, got %s", t)
	}
	fields := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fmt.Errorf("field %s has no json name", t.Field(i).Name)
		}
		fields[name] = true
	}
	var missing, extra []string
	for name := range tool.InputSchema.Properties {
		if !fields[name] {
			missing = append(missing, name)
		}
	}
	for name := range fields {
		if _, ok := tool.InputSchema.Properties[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return fmt.Errorf("params drift from schema: unhandled %v, unpublished %v", missing, extra)
	}
	return nil
}

// bindArgs checks args against the schema, fills defaults and decodes the
// result into dst.
func bindArgs(tool mcp.Tool, args map[string]any, dst any) error {
	merged := make(map[string]any, len(tool.InputSchema.Properties))
	for k, v := range args {
		if _, known := tool.InputSchema.Properties[k]; known && v != nil {
			merged[k] = v
		}
	}
	for _, name := range tool.InputSchema.Required {
		if _, ok := merged[name]; !ok {
			return &ArgumentError{Tool: tool.Name, Field: name, Reason: "is required"}
		}
	}
	for name, raw := range tool.InputSchema.Properties {
		prop, _ := raw.(map[string]any)
		v, ok := merged[name]
		if !ok {
			if def, has := prop["default"]; has {
				merged[name] = def
			}
			continue
		}
		if err := checkType(prop, v); err != nil {
			return &ArgumentError{Tool: tool.Name, Field: name, Reason: err.Error()}
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return &ArgumentError{Tool: tool.Name, Reason: err.Error()}
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return &ArgumentError{Tool: tool.Name, Reason: err.Error()}
	}
	return nil
}

func checkType(prop map[string]any, v any) error {
	typ, _ := prop["type"].(string)
	switch typ {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("must be a string")
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("must be a boolean")
		}
	case "number", "integer":
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("must be a number")
		}
		if typ == "integer" && f != math.Trunc(f) {
			return fmt.Errorf("must be an integer")
		}
	case "array":
		items, ok := v.([]any)
		if !ok {
			if _, typed := v.([]string); typed {
				return nil
			}
			return fmt.Errorf("must be an array")
		}
		itemSchema, _ := prop["items"].(map[string]any)
		for i, item := range items {
			if err := checkType(itemSchema, item); err != nil {
				return fmt.Errorf("item %d %w", i, err)
			}
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// integer marks a number property as integral in the published schema.
func integer() mcp.PropertyOption {
	return func(schema map[string]any) {
		schema["type"] = "integer"
	}
}

func (r *Registry) invalidate(tags ...string) {
	n := r.cache.Invalidate(tags...)
	r.logger.Debug("cache: invalidated", slog.Any("tags", tags), slog.Int("entries", n))
}

func (r *Registry) publish(ev Event) {
	if r.notifier != nil {
		r.notifier.Publish(ev)
	}
}

// cached returns the value stored under key, or computes it and stores it
// under the tags compute reports. Results reporting a failure are never
// stored.
func cached[R any](r *Registry, key string, compute func() (R, []string)) R {
	if v, ok := r.cache.Get(key); ok {
		if res, ok := v.(R); ok {
			r.logger.Debug("cache: hit", slog.String("key", key))
			return res
		}
	}
	r.logger.Debug("cache: miss", slog.String("key", key))
	res, tags := compute()
	if f, ok := any(res).(failure); ok && f.failed() {
		return res
	}
	r.cache.Set(key, res, tags...)
	return res
}
