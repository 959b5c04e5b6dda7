// Package gateway defines the contract between the tool layer and the
// tabular store holding notes and projects, and a PostgREST implementation.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Tables known to the tool layer.
const (
	TableNotes    = "notes"
	TableProjects = "projects"
)

// Operator is a filter predicate kind.
type Operator string

const (
	OpEq    Operator = "eq"
	OpIsNil Operator = "is"
	OpIn    Operator = "in"
	OpILike Operator = "ilike"
	OpGte   Operator = "gte"
)

// Filter is one predicate of a query. Filters combine with AND.
type Filter struct {
	Column string
	Op     Operator
	Value  any
}

// Eq matches rows whose column equals v.
func Eq(column string, v any) Filter { return Filter{Column: column, Op: OpEq, Value: v} }

// IsNull matches rows whose column is NULL.
func IsNull(column string) Filter { return Filter{Column: column, Op: OpIsNil} }

// In matches rows whose column is one of values.
func In(column string, values []string) Filter { return Filter{Column: column, Op: OpIn, Value: values} }

// Contains matches rows whose column contains substr, ignoring case.
func Contains(column, substr string) Filter {
	return Filter{Column: column, Op: OpILike, Value: substr}
}

// Gte matches rows whose column is greater than or equal to v.
func Gte(column string, v any) Filter { return Filter{Column: column, Op: OpGte, Value: v} }

// Order sorts results by Column.
type Order struct {
	Column string
	Desc   bool
}

// Query describes a filtered, ordered, paginated read.
// Limit <= 0 means no limit.
type Query struct {
	Table   string
	Columns []string
	Filters []Filter
	Order   []Order
	Limit   int
	Offset  int
}

// Gateway is implemented by every store backend. dest arguments are pointers
// to slices that rows are JSON-decoded into. Zero matching rows is not an error.
type Gateway interface {
	Select(ctx context.Context, q Query, dest any) error
	Count(ctx context.Context, table string, filters ...Filter) (int, error)
	Insert(ctx context.Context, table string, row map[string]any, dest any) error
	Update(ctx context.Context, table string, patch map[string]any, filters []Filter, dest any) error
}

// Error is the single error kind returned by gateways for transport failures
// and store-side rejections. Status is 0 when no response was received.
type Error struct {
	Op      string
	Table   string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("gateway: %s %s: HTTP %d: %s", e.Op, e.Table, e.Status, msg)
	}
	return fmt.Sprintf("gateway: %s %s: %s", e.Op, e.Table, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsGatewayError reports whether err came from a gateway.
func IsGatewayError(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}

// ErrUnfilteredUpdate is returned for an Update without filters.
var ErrUnfilteredUpdate = errors.New("update requires at least one filter")
