package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrToolNotFound, "tool 'foo'")
	want := "Registry.Get: tool 'foo': tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Agent.Run", ErrMaxIterations, "")
	want := "Agent.Run: agent reached max iterations"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Confirm.Resolve", ErrConfirmationNotFound, "conf_abc")
	if !errors.Is(err, ErrConfirmationNotFound) {
		t.Error("errors.Is should match ErrConfirmationNotFound")
	}
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	assert.ErrorIs(t, WrapOp("op", ErrQuery), ErrQuery)
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeConfirmationNotFound, ErrorCodeOf(ErrConfirmationNotFound))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	err := NewSubSystemError("grist", "Client.do", ErrTimeout, "GET /tables")
	assert.Equal(t, CodeGristTimeout, ErrorCodeOf(err))
	assert.Equal(t, CodeGristTimeout, err.Code())

	other := NewSubSystemError("unknown", "x", ErrTimeout, "")
	assert.Equal(t, CodeTimeout, ErrorCodeOf(other))
}

func TestErrorCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewTableNotFound("Foo", []string{"Bar"}))
	assert.Equal(t, CodeTableNotFound, ErrorCodeOf(err))

	perm := fmt.Errorf("wrap: %w", NewPermissionDenied("add_records"))
	assert.Equal(t, CodeGristPermission, ErrorCodeOf(perm))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("plain")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestGristErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  *GristError
		want string
		is   error
	}{
		{
			name: "table",
			err:  NewTableNotFound("Foo", []string{"Projects", "People"}),
			want: "Table 'Foo' not found. Available tables: Projects, People",
			is:   ErrTableNotFound,
		},
		{
			name: "column",
			err:  NewColumnNotFound("Projects", "Cost", []string{"Name", "Budget"}),
			want: "Column 'Cost' not found in table 'Projects'. Available columns: Name, Budget",
			is:   ErrColumnNotFound,
		},
		{
			name: "type mismatch",
			err:  NewTypeMismatch("Budget", "Numeric", "fifty", "Use a number instead"),
			want: "Validation error for 'Budget': Expected type 'Numeric', got 'string'. Suggestions: Use a number instead",
			is:   ErrTypeMismatch,
		},
		{
			name: "choice",
			err:  NewInvalidChoice("Status", "Maybe", []string{"Open", "Closed"}),
			want: "Validation error for 'Status': Value 'Maybe' is not in allowed choices. Suggestions: Open, Closed",
			is:   ErrInvalidChoice,
		},
		{
			name: "records",
			err:  NewRecordNotFound("Projects", []int64{4, 9}),
			want: "Records not found in table 'Projects': 4, 9",
			is:   ErrRecordNotFound,
		},
		{
			name: "query",
			err:  NewQueryError("SELECT", "no such table: Foo"),
			want: "Query failed: no such table: Foo",
			is:   ErrQuery,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.ErrorIs(t, tt.err, tt.is)
		})
	}
}

func TestPermissionDeniedIsCategory(t *testing.T) {
	err := NewPermissionDenied("remove_records")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, err.Error(), "'remove_records' requires 'full' access")
}

func TestDescribeError(t *testing.T) {
	d := DescribeError(fmt.Errorf("tool: %w", NewTypeMismatch("Budget", "Numeric", "x")))
	assert.Equal(t, KindTypeMismatch, d.Kind)
	assert.Equal(t, "Budget", d.Details["column_id"])
	assert.Equal(t, "Numeric", d.Details["expected_type"])
	assert.Equal(t, "x", d.Details["actual_value"])

	cr := &ConfirmationRequiredError{Request: &ConfirmationRequest{ID: "conf_1"}}
	d = DescribeError(cr)
	assert.Equal(t, KindConfirmationRequired, d.Kind)
	assert.Equal(t, "conf_1", d.Details["confirmation_id"])

	d = DescribeError(NewDomainError("Confirm.Resolve", ErrConfirmationNotFound, ""))
	assert.Equal(t, KindConfirmationNotFound, d.Kind)

	d = DescribeError(errors.New("boom"))
	assert.Equal(t, KindInternal, d.Kind)
}

func TestTerminalErrors(t *testing.T) {
	m := ExecutionMetrics{Iterations: 15, ToolCalls: 4, FailedToolCalls: 3}
	var err error = &MaxIterationsError{Limit: 15, Metrics: m}
	require.ErrorIs(t, err, ErrMaxIterations)

	var mie *MaxIterationsError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, 4, mie.Metrics.ToolCalls)
	assert.InDelta(t, 0.75, mie.Metrics.FailureRate(), 0.0001)

	err = &FunctionCallingError{Model: "tiny-model", Cause: "no tool calls"}
	assert.ErrorIs(t, err, ErrFunctionCallingIncompatible)
	assert.Contains(t, err.Error(), "tiny-model")
}

func TestJSONTypeName(t *testing.T) {
	assert.Equal(t, "string", JSONTypeName("x"))
	assert.Equal(t, "integer", JSONTypeName(float64(3)))
	assert.Equal(t, "number", JSONTypeName(3.5))
	assert.Equal(t, "boolean", JSONTypeName(true))
	assert.Equal(t, "array", JSONTypeName([]any{"L"}))
	assert.Equal(t, "null", JSONTypeName(nil))
}

func TestColumnBaseType(t *testing.T) {
	assert.Equal(t, "Ref", Column{Type: "Ref:People"}.BaseType())
	assert.Equal(t, "Text", Column{Type: "Text"}.BaseType())
}

func TestConfirmationExpired(t *testing.T) {
	req := &ConfirmationRequest{ExpiresAt: mustTime(t, "2026-01-01T00:05:00Z")}
	assert.False(t, req.Expired(mustTime(t, "2026-01-01T00:04:59Z")))
	assert.True(t, req.Expired(mustTime(t, "2026-01-01T00:05:00Z")))
}
