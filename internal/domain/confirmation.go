package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OperationType classifies a previewed mutation.
type OperationType string

const (
	OpDeleteRecords    OperationType = "delete_records"
	OpDeleteColumn     OperationType = "delete_column"
	OpUpdateRecords    OperationType = "update_records"
	OpUpdateColumnType OperationType = "update_column_type"
	OpAddRecords       OperationType = "add_records"
	OpTruncateTable    OperationType = "truncate_table"
)

// ConfirmationStatus is the lifecycle state reported to clients.
type ConfirmationStatus string

const (
	StatusPending  ConfirmationStatus = "pending"
	StatusApproved ConfirmationStatus = "approved"
	StatusRejected ConfirmationStatus = "rejected"
	StatusExpired  ConfirmationStatus = "expired"
)

// PreviewResult summarizes the impact of a pending mutation.
type PreviewResult struct {
	OperationType OperationType `json:"operation_type"`
	Description   string        `json:"description"`
	AffectedCount int           `json:"affected_count"`
	AffectedItems []any         `json:"affected_items"`
	Warnings      []string      `json:"warnings"`
	IsReversible  bool          `json:"is_reversible"`
}

// PendingOperation is the deferred tool invocation held behind a confirmation.
type PendingOperation struct {
	ToolName   string          `json:"tool_name"`
	ToolArgs   json.RawMessage `json:"tool_args"`
	DocumentID string          `json:"document_id"`
}

// ConfirmationRequest is returned instead of executing a destructive operation.
type ConfirmationRequest struct {
	ID               string           `json:"confirmation_id"`
	Operation        PendingOperation `json:"operation"`
	Preview          PreviewResult    `json:"preview"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
	ExpiresInSeconds int              `json:"expires_in_seconds"`
}

// Expired reports whether the request is past its deadline at now.
func (r *ConfirmationRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ConfirmationRequiredError is the control-flow signal that suspends one
// operation pending a user decision.
type ConfirmationRequiredError struct {
	Request *ConfirmationRequest
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("confirmation required: %s", e.Request.Preview.Description)
}

func (e *ConfirmationRequiredError) Unwrap() error { return ErrConfirmationRequired }

// Confirmer stores pending operations and hands back their tokens.
type Confirmer interface {
	Request(ctx context.Context, op PendingOperation, preview PreviewResult) (*ConfirmationRequest, error)
}

// ConfirmationResponse is the outcome of resolving a confirmation.
type ConfirmationResponse struct {
	ConfirmationID string             `json:"confirmation_id"`
	Status         ConfirmationStatus `json:"status"`
	Message        string             `json:"message"`
	Result         any                `json:"result,omitempty"`
}
