package sync

import (
	"context"
	"time"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/eventbus"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

// SyncManager связывает сессию с шиной событий: отправляет результаты тиков
// и сохранения, принимает события других узлов.
type SyncManager struct {
	Batcher  *BatchManager
	Producer *SyncProducer
	consumer *SyncConsumer
}

type SyncConfig struct {
	NodeID       string
	Bus          eventbus.EventBus
	BatchSize    int
	FlushEvery   time.Duration
	UseGzipCompr bool
	Handlers     Handlers
}

func NewSyncManager(ctx context.Context, cfg SyncConfig) (*SyncManager, error) {
	var compressor DeltaCompressor
	if cfg.UseGzipCompr {
		compressor = NewGzipCompressor()
	} else {
		compressor = NewPassthroughCompressor()
	}

	consumer, err := NewSyncConsumer(ctx, cfg.Bus, cfg.NodeID, compressor, cfg.Handlers)
	if err != nil {
		return nil, err
	}

	logging.Info("SyncManager инициализирован: node=%s, batch=%d, flush=%v, gzip=%v",
		cfg.NodeID, cfg.BatchSize, cfg.FlushEvery, cfg.UseGzipCompr)

	return &SyncManager{
		Batcher:  NewBatchManager(cfg.Bus, cfg.NodeID, cfg.BatchSize, cfg.FlushEvery, compressor),
		Producer: NewSyncProducer(cfg.Bus, cfg.NodeID),
		consumer: consumer,
	}, nil
}

func (sm *SyncManager) Stop() {
	sm.consumer.Stop()
	sm.Batcher.Stop()
	logging.Info("SyncManager остановлен")
}
