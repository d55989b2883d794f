package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/platform/searchapi"
)

// Target identifies the destination document of a tracked entity.
type Target struct {
	EntityType string
	ID         int64
}

// Payload is a built upsert document keyed back to its target.
type Payload struct {
	Target   Target
	Document map[string]any
}

// Sender is the destination transport.
type Sender interface {
	Send(ctx context.Context, doc searchapi.Document, op searchapi.Operation) error
}

type DeleteHandler interface {
	Delete(ctx context.Context, target Target) bool
}

type UpsertHandler interface {
	Upsert(ctx context.Context, payload Payload) bool
}

type deleteHandler struct {
	log    *logger.Logger
	sender Sender
}

type upsertHandler struct {
	log    *logger.Logger
	sender Sender
}

func NewDeleteHandler(log *logger.Logger, sender Sender) (DeleteHandler, error) {
	if log == nil || sender == nil {
		return nil, fmt.Errorf("delete handler requires logger and sender")
	}
	return &deleteHandler{log: log.With("component", "DeleteHandler"), sender: sender}, nil
}

func NewUpsertHandler(log *logger.Logger, sender Sender) (UpsertHandler, error) {
	if log == nil || sender == nil {
		return nil, fmt.Errorf("upsert handler requires logger and sender")
	}
	return &upsertHandler{log: log.With("component", "UpsertHandler"), sender: sender}, nil
}

func (h *deleteHandler) Delete(ctx context.Context, target Target) bool {
	err := h.sender.Send(ctx, searchapi.Document{EntityType: target.EntityType, ID: target.ID}, searchapi.OpDelete)
	if err != nil {
		h.log.Warn("delete dispatch failed", failureFields(target, err)...)
		return false
	}
	return true
}

func (h *upsertHandler) Upsert(ctx context.Context, payload Payload) bool {
	doc := searchapi.Document{
		EntityType: payload.Target.EntityType,
		ID:         payload.Target.ID,
		Body:       payload.Document,
	}
	if err := h.sender.Send(ctx, doc, searchapi.OpUpsert); err != nil {
		h.log.Warn("upsert dispatch failed", failureFields(payload.Target, err)...)
		return false
	}
	return true
}

func failureFields(target Target, err error) []interface{} {
	fields := []interface{}{"entity_type", target.EntityType, "target_id", target.ID, "error", err}
	var opErr *searchapi.OperationError
	if errors.As(err, &opErr) {
		fields = append(fields, "code", opErr.Code, "status", opErr.StatusCode, "retryable", opErr.Retryable())
	}
	return fields
}

// Handlers bundles both capabilities for one site.
type Handlers struct {
	Delete DeleteHandler
	Upsert UpsertHandler
}

// NewSearchAPIHandlers builds both handlers over one destination client.
func NewSearchAPIHandlers(log *logger.Logger, cfg searchapi.Config) (Handlers, error) {
	client, err := searchapi.NewClient(log, cfg)
	if err != nil {
		return Handlers{}, err
	}
	del, err := NewDeleteHandler(log, client)
	if err != nil {
		return Handlers{}, err
	}
	up, err := NewUpsertHandler(log, client)
	if err != nil {
		return Handlers{}, err
	}
	return Handlers{Delete: del, Upsert: up}, nil
}
