package sync

import (
	"time"

	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/store"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Reconciler applies delivery and read receipts to stored messages.
// Receipts for unknown ids are dropped silently: they usually belong
// to history that predates this device.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, bus: b, logger: logger}
}

// Apply decodes the receipt frame and advances the target message to
// newStatus if that is a forward move.
func (r *Reconciler) Apply(f *wire.Frame, newStatus string) {
	var p wire.ReceiptPayload
	if err := f.DecodePayload(&p); err != nil {
		r.logger.Warn("dropping receipt frame", zap.String("type", f.Type), zap.Error(err))
		return
	}

	id := p.TargetID()
	if id == "" {
		r.logger.Warn("dropping receipt frame without message id", zap.String("type", f.Type))
		return
	}

	changed, err := r.db.UpdateMessageStatus(id, newStatus)
	if err != nil {
		r.logger.Error("failed to apply receipt", zap.String("msg_id", id), zap.Error(err))
		return
	}
	if !changed {
		r.logger.Debug("receipt did not change message", zap.String("msg_id", id), zap.String("status", newStatus))
		return
	}

	r.bus.Publish(bus.Event{
		Kind:      "message.status_changed",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"msg_id": id,
			"status": newStatus,
		},
	})
}
