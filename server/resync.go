package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/mq"
)

// childRef is the part of a child event the resync listener needs.
type childRef struct {
	Child rpkica.Handle `json:"child"`
}

// handleResync reconciles the child named by a ChildUpdatedResources or
// ChildRemoved event with the parent that recorded it. Changes it makes at
// the child may clip grandchildren, which schedules the next level.
func (s *Server) handleResync(ctx context.Context, msg *mq.Message) error {
	payload, err := mq.DecodePayload(msg)
	if err != nil {
		return err
	}
	var ref childRef
	if err := json.Unmarshal(payload.Details, &ref); err != nil {
		return fmt.Errorf("rpkica/server: decode %s details of %s: %w", msg.EventType, msg.ID, err)
	}
	if ref.Child == "" {
		return fmt.Errorf("rpkica/server: %s message %s names no child", msg.EventType, msg.ID)
	}

	ctx = rpkica.WithActor(ctx, resyncActor)
	if id := msg.Headers[mq.HeaderCorrelationID]; id != "" {
		ctx = rpkica.WithCorrelationID(ctx, id)
	}

	parent := rpkica.Handle(msg.Handle)
	s.logger.Debug("Resyncing child", "parent", parent, "child", ref.Child, "event", msg.EventType, "version", msg.Version)
	if err := s.reconcile(ctx, parent, ref.Child); err != nil {
		return fmt.Errorf("rpkica/server: resync %s under %s: %w", ref.Child, parent, err)
	}
	return nil
}
