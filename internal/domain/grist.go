package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Column types understood by the validator.
const (
	ColText        = "Text"
	ColNumeric     = "Numeric"
	ColInt         = "Int"
	ColBool        = "Bool"
	ColDate        = "Date"
	ColDateTime    = "DateTime"
	ColChoice      = "Choice"
	ColChoiceList  = "ChoiceList"
	ColRef         = "Ref"
	ColRefList     = "RefList"
	ColAttachments = "Attachments"
	ColAny         = "Any"
)

// ListMarker prefixes every list-valued cell in the Grist wire format.
const ListMarker = "L"

// Column describes one column of a Grist table.
type Column struct {
	ID          string   `json:"column_id"`
	Label       string   `json:"label,omitempty"`
	Type        string   `json:"type"`
	Choices     []string `json:"choices,omitempty"`
	IsReference bool     `json:"is_reference,omitempty"`
	RefTable    string   `json:"ref_table,omitempty"`
	IsFormula   bool     `json:"is_formula,omitempty"`
	Formula     string   `json:"formula,omitempty"`
}

// BaseType strips the target table from reference types ("Ref:People" -> "Ref").
func (c Column) BaseType() string {
	if i := strings.IndexByte(c.Type, ':'); i >= 0 {
		return c.Type[:i]
	}
	return c.Type
}

// SchemaDescriptor is the column layout of one table.
type SchemaDescriptor struct {
	TableID string   `json:"table_id"`
	Columns []Column `json:"columns"`
}

// ColumnIDs returns the ids in declaration order.
func (s SchemaDescriptor) ColumnIDs() []string {
	ids := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		ids[i] = c.ID
	}
	return ids
}

// Record is a row as returned by the records endpoint.
type Record struct {
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields"`
}

// ColumnSpec is the create/update payload for one column.
type ColumnSpec struct {
	ID            string         `json:"id,omitempty"`
	Label         string         `json:"label,omitempty"`
	Type          string         `json:"type,omitempty"`
	Formula       string         `json:"formula,omitempty"`
	IsFormula     *bool          `json:"isFormula,omitempty"`
	WidgetOptions map[string]any `json:"widgetOptions,omitempty"`
}

// GristClient is the remote document API consumed by the document service.
type GristClient interface {
	ListTables(ctx context.Context, docID string) ([]string, error)
	ListColumns(ctx context.Context, docID, tableID string) ([]Column, error)
	FetchRecords(ctx context.Context, docID, tableID string, limit int) ([]Record, error)
	AddRecords(ctx context.Context, docID, tableID string, records []map[string]any) ([]int64, error)
	UpdateRecords(ctx context.Context, docID, tableID string, records []Record) error
	DeleteRecords(ctx context.Context, docID, tableID string, ids []int64) error
	SQL(ctx context.Context, docID, query string, args []any) ([]map[string]any, error)
	AddTable(ctx context.Context, docID, tableID string, columns []ColumnSpec) (string, error)
	AddColumn(ctx context.Context, docID, tableID string, col ColumnSpec) error
	UpdateColumn(ctx context.Context, docID, tableID string, col ColumnSpec) error
	DeleteColumn(ctx context.Context, docID, tableID, columnID string) error
}

// ErrorKind names a user-facing error class carried in tool results.
type ErrorKind string

const (
	KindTableNotFound         ErrorKind = "TableNotFound"
	KindColumnNotFound        ErrorKind = "ColumnNotFound"
	KindRecordNotFound        ErrorKind = "RecordNotFound"
	KindTypeMismatch          ErrorKind = "TypeMismatch"
	KindInvalidChoice         ErrorKind = "InvalidChoice"
	KindValidation            ErrorKind = "ValidationException"
	KindQuery                 ErrorKind = "QueryException"
	KindPermissionDenied      ErrorKind = "PermissionDenied"
	KindConfirmationRequired  ErrorKind = "ConfirmationRequired"
	KindConfirmationNotFound  ErrorKind = "ConfirmationNotFound"
	KindMaxIterations         ErrorKind = "MaxIterationsExceeded"
	KindFunctionCallingCompat ErrorKind = "FunctionCallingIncompatibility"
	KindInternal              ErrorKind = "Internal"
)

// ErrorDescriptor is the serializable form of a failure inside a tool result.
type ErrorDescriptor struct {
	Kind        ErrorKind      `json:"kind"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

// GristError is a typed document failure. It unwraps to the sentinel for its kind.
type GristError struct {
	Kind        ErrorKind
	Message     string
	Details     map[string]any
	Suggestions []string
}

func (e *GristError) Error() string { return e.Message }

func (e *GristError) Unwrap() error { return kindSentinel[e.Kind] }

// Descriptor converts the error for transport in a ToolResult.
func (e *GristError) Descriptor() ErrorDescriptor {
	return ErrorDescriptor{Kind: e.Kind, Message: e.Message, Details: e.Details, Suggestions: e.Suggestions}
}

var kindSentinel = map[ErrorKind]error{
	KindTableNotFound:         ErrTableNotFound,
	KindColumnNotFound:        ErrColumnNotFound,
	KindRecordNotFound:        ErrRecordNotFound,
	KindTypeMismatch:          ErrTypeMismatch,
	KindInvalidChoice:         ErrInvalidChoice,
	KindValidation:            ErrValidation,
	KindQuery:                 ErrQuery,
	KindPermissionDenied:      ErrGristPermission,
	KindConfirmationRequired:  ErrConfirmationRequired,
	KindConfirmationNotFound:  ErrConfirmationNotFound,
	KindMaxIterations:         ErrMaxIterations,
	KindFunctionCallingCompat: ErrFunctionCallingIncompatible,
}

// DescribeError maps any error onto an ErrorDescriptor. Untyped errors become Internal.
func DescribeError(err error) ErrorDescriptor {
	var ge *GristError
	if errors.As(err, &ge) {
		return ge.Descriptor()
	}
	var cr *ConfirmationRequiredError
	if errors.As(err, &cr) {
		return ErrorDescriptor{
			Kind:    KindConfirmationRequired,
			Message: err.Error(),
			Details: map[string]any{"confirmation_id": cr.Request.ID},
		}
	}
	for kind, sentinel := range kindSentinel {
		if errors.Is(err, sentinel) {
			return ErrorDescriptor{Kind: kind, Message: err.Error()}
		}
	}
	return ErrorDescriptor{Kind: KindInternal, Message: err.Error()}
}

// NewTableNotFound reports an unknown table with the known ones as suggestions.
func NewTableNotFound(tableID string, available []string) *GristError {
	msg := fmt.Sprintf("Table '%s' not found.", tableID)
	if len(available) > 0 {
		msg += " Available tables: " + strings.Join(available, ", ")
	}
	return &GristError{
		Kind:        KindTableNotFound,
		Message:     msg,
		Details:     map[string]any{"table_id": tableID},
		Suggestions: available,
	}
}

// NewColumnNotFound reports an unknown column with the table's column ids as suggestions.
func NewColumnNotFound(tableID, columnID string, available []string) *GristError {
	msg := fmt.Sprintf("Column '%s' not found in table '%s'.", columnID, tableID)
	if len(available) > 0 {
		msg += " Available columns: " + strings.Join(available, ", ")
	}
	return &GristError{
		Kind:        KindColumnNotFound,
		Message:     msg,
		Details:     map[string]any{"table_id": tableID, "column_id": columnID},
		Suggestions: available,
	}
}

// NewRecordNotFound reports missing row ids.
func NewRecordNotFound(tableID string, ids []int64) *GristError {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return &GristError{
		Kind:    KindRecordNotFound,
		Message: fmt.Sprintf("Records not found in table '%s': %s", tableID, strings.Join(parts, ", ")),
		Details: map[string]any{"table_id": tableID, "record_ids": ids},
	}
}

// NewTypeMismatch reports a cell value that does not fit the column type.
func NewTypeMismatch(columnID, expected string, actual any, suggestions ...string) *GristError {
	return &GristError{
		Kind: KindTypeMismatch,
		Message: validationMessage(columnID,
			fmt.Sprintf("Expected type '%s', got '%s'", expected, JSONTypeName(actual)), suggestions),
		Details: map[string]any{
			"column_id":     columnID,
			"expected_type": expected,
			"actual_value":  actual,
		},
		Suggestions: suggestions,
	}
}

// NewInvalidChoice reports a value outside the column's allowed choices.
func NewInvalidChoice(columnID string, value any, choices []string) *GristError {
	return &GristError{
		Kind:        KindInvalidChoice,
		Message:     validationMessage(columnID, fmt.Sprintf("Value '%v' is not in allowed choices", value), choices),
		Details:     map[string]any{"column_id": columnID, "value": value},
		Suggestions: choices,
	}
}

// NewValidationError reports a malformed argument or cell shape.
func NewValidationError(field, reason string, suggestions ...string) *GristError {
	return &GristError{
		Kind:        KindValidation,
		Message:     validationMessage(field, reason, suggestions),
		Details:     map[string]any{"field": field},
		Suggestions: suggestions,
	}
}

// NewQueryError wraps a failure reported by the SQL endpoint.
func NewQueryError(query, msg string) *GristError {
	return &GristError{
		Kind:    KindQuery,
		Message: "Query failed: " + msg,
		Details: map[string]any{"query": query},
	}
}

// NewPermissionDenied reports an operation the access token is not allowed to perform.
func NewPermissionDenied(op string) *GristError {
	return &GristError{
		Kind: KindPermissionDenied,
		Message: fmt.Sprintf("Permission denied: '%s' requires 'full' access. "+
			"Please enable 'Full document access' in widget settings.", op),
		Details: map[string]any{"operation": op},
	}
}

func validationMessage(field, reason string, suggestions []string) string {
	msg := fmt.Sprintf("Validation error for '%s': %s", field, reason)
	if len(suggestions) > 0 {
		msg += ". Suggestions: " + strings.Join(suggestions, ", ")
	}
	return msg
}

// JSONTypeName names the JSON type of a decoded value.
func JSONTypeName(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if n == float64(int64(n)) {
			return "integer"
		}
		return "number"
	case float32:
		return "number"
	case int, int32, int64:
		return "integer"
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
