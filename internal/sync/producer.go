package sync

import (
	"context"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/compositor"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/eventbus"
)

// SyncProducer публикует в шину факт сохранения документа слоя.
// Реализует compositor.Invalidator.
type SyncProducer struct {
	bus    eventbus.EventBus
	source string
}

var _ compositor.Invalidator = (*SyncProducer)(nil)

func NewSyncProducer(bus eventbus.EventBus, source string) *SyncProducer {
	return &SyncProducer{bus: bus, source: source}
}

// PublishInvalidation отправляет EventDocumentSaved с идентификатором документа.
func (sp *SyncProducer) PublishInvalidation(ctx context.Context, documentID string) error {
	env := eventbus.NewEnvelope(sp.source, eventbus.EventDocumentSaved, eventbus.PriorityNormal, []byte(documentID))
	return sp.bus.Publish(ctx, env)
}
