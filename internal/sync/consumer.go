package sync

import (
	"context"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/compositor"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/eventbus"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

// Handlers: реакции на события других узлов. Любое поле может быть nil.
type Handlers struct {
	OnChanges       func(ctx context.Context, source string, res compositor.TickResult)
	OnDocumentSaved func(ctx context.Context, source, documentID string)
}

// SyncConsumer слушает события шины и передаёт чужие события обработчикам.
// События собственного узла пропускаются.
type SyncConsumer struct {
	source     string
	compressor DeltaCompressor
	handlers   Handlers
	subs       []eventbus.Subscription
}

func NewSyncConsumer(ctx context.Context, bus eventbus.EventBus, source string, compressor DeltaCompressor, h Handlers) (*SyncConsumer, error) {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	sc := &SyncConsumer{source: source, compressor: compressor, handlers: h}

	for _, sub := range []struct {
		eventType string
		handler   eventbus.Handler
	}{
		{eventbus.EventLandblocksChanged, sc.handleChanges},
		{eventbus.EventDocumentSaved, sc.handleSaved},
	} {
		s, err := bus.Subscribe(ctx, eventbus.Filter{Types: []string{sub.eventType}}, sub.handler)
		if err != nil {
			sc.Stop()
			return nil, err
		}
		sc.subs = append(sc.subs, s)
	}
	return sc, nil
}

func (sc *SyncConsumer) handleChanges(ctx context.Context, ev *eventbus.Envelope) {
	if ev.Source == sc.source || sc.handlers.OnChanges == nil {
		return
	}
	res, err := sc.compressor.Decompress(ev.Payload)
	if err != nil {
		logging.Warn("SyncConsumer decompress error from %s: %v", ev.Source, err)
		return
	}
	logging.Debug("SyncConsumer: %d лендблоков от %s (refresh_all=%v)", len(res.Landblocks), ev.Source, res.RefreshAll)
	sc.handlers.OnChanges(ctx, ev.Source, res)
}

func (sc *SyncConsumer) handleSaved(ctx context.Context, ev *eventbus.Envelope) {
	if ev.Source == sc.source || sc.handlers.OnDocumentSaved == nil {
		return
	}
	if len(ev.Payload) == 0 {
		logging.Warn("SyncConsumer: пустой идентификатор документа от %s", ev.Source)
		return
	}
	sc.handlers.OnDocumentSaved(ctx, ev.Source, string(ev.Payload))
}

func (sc *SyncConsumer) Stop() {
	for _, s := range sc.subs {
		s.Unsubscribe()
	}
	sc.subs = nil
}
