// Package confirm implements the two-phase propose/commit workflow for
// destructive document operations.
package confirm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"grist-agent/internal/domain"
)

// DefaultTTL is how long a confirmation stays resolvable.
const DefaultTTL = 5 * time.Minute

// TokenPrefix starts every confirmation id.
const TokenPrefix = "conf_"

// ExecuteFunc runs an approved operation and returns its result.
type ExecuteFunc func(ctx context.Context, op domain.PendingOperation) (any, error)

// Service allocates confirmation tokens and resolves them at most once.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. A zero ttl uses DefaultTTL.
func NewService(store Store, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// TTL returns the configured lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Request implements domain.Confirmer.
func (s *Service) Request(ctx context.Context, op domain.PendingOperation, preview domain.PreviewResult) (*domain.ConfirmationRequest, error) {
	id, err := newToken()
	if err != nil {
		return nil, domain.WrapOp("Confirm.Request", err)
	}
	now := s.now().UTC()
	req := &domain.ConfirmationRequest{
		ID:               id,
		Operation:        op,
		Preview:          preview,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
		ExpiresInSeconds: int(s.ttl / time.Second),
	}
	if err := s.store.Put(ctx, req, s.ttl); err != nil {
		return nil, domain.WrapOp("Confirm.Request", err)
	}
	s.logger.Info("confirmation created",
		"confirmation_id", id,
		"tool", op.ToolName,
		"operation", preview.OperationType,
		"expires_at", req.ExpiresAt,
	)
	return req, nil
}

// Resolve consumes the token. Unknown, expired, and already resolved tokens
// all fail with ErrConfirmationNotFound. On approval exec runs exactly once.
func (s *Service) Resolve(ctx context.Context, id string, approved bool, reason string, exec ExecuteFunc) (*domain.ConfirmationResponse, error) {
	req, err := s.store.Take(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrConfirmationNotFound) {
			return nil, domain.NewSubSystemError("confirm", "Confirm.Resolve", domain.ErrConfirmationNotFound, id)
		}
		return nil, domain.WrapOp("Confirm.Resolve", err)
	}
	if req.Expired(s.now()) {
		return nil, domain.NewSubSystemError("confirm", "Confirm.Resolve", domain.ErrConfirmationNotFound, id)
	}

	if !approved {
		msg := "Operation cancelled by user"
		if reason != "" {
			msg += ": " + reason
		}
		s.logger.Info("confirmation rejected", "confirmation_id", id, "tool", req.Operation.ToolName, "reason", reason)
		return &domain.ConfirmationResponse{ConfirmationID: id, Status: domain.StatusRejected, Message: msg}, nil
	}

	s.logger.Info("confirmation approved", "confirmation_id", id, "tool", req.Operation.ToolName)
	result, err := exec(ctx, req.Operation)
	if err != nil {
		s.logger.Error("confirmed operation failed", "confirmation_id", id, "tool", req.Operation.ToolName, "error", err)
		return nil, fmt.Errorf("execute %s: %w", req.Operation.ToolName, err)
	}
	return &domain.ConfirmationResponse{
		ConfirmationID: id,
		Status:         domain.StatusApproved,
		Message:        "Operation completed successfully: " + req.Preview.Description,
		Result:         result,
	}, nil
}

// newToken returns "conf_" followed by 128 random bits in hex.
func newToken() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return TokenPrefix + hex.EncodeToString(u[:]), nil
}
