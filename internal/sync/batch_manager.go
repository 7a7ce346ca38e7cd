package sync

import (
	"context"
	"sync"
	"time"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/compositor"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/eventbus"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

// BatchManager принимает результаты тиков сессии и отправляет их пакетами
// через EventBus. Реализует compositor.TickSink.
//
// Полное обновление отправляется сразу. Если ключей накопилось больше
// capacity, пакет превращается в полное обновление.
type BatchManager struct {
	mu         sync.Mutex
	pending    compositor.ChangeSet
	refreshAll bool
	capacity   int

	flushEvery time.Duration
	bus        eventbus.EventBus
	source     string
	compressor DeltaCompressor

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ compositor.TickSink = (*BatchManager)(nil)

// NewBatchManager создаёт менеджер. flushEvery == 0: без фонового цикла, только Flush.
func NewBatchManager(bus eventbus.EventBus, source string, capacity int, flushEvery time.Duration, compressor DeltaCompressor) *BatchManager {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	if capacity <= 0 {
		capacity = 4096
	}
	bm := &BatchManager{
		pending:    make(compositor.ChangeSet),
		capacity:   capacity,
		flushEvery: flushEvery,
		bus:        bus,
		source:     source,
		compressor: compressor,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if flushEvery > 0 {
		go bm.loop()
	} else {
		close(bm.done)
	}
	return bm
}

// HandleTick добавляет результат тика в пакет
func (bm *BatchManager) HandleTick(ctx context.Context, res compositor.TickResult) error {
	bm.mu.Lock()
	if res.RefreshAll {
		bm.refreshAll = true
	}
	bm.pending.Add(res.Landblocks...)
	if len(bm.pending) > bm.capacity {
		bm.refreshAll = true
	}
	urgent := bm.refreshAll
	bm.mu.Unlock()

	if urgent {
		return bm.Flush(ctx)
	}
	return nil
}

// Flush отсылает накопленное единым сообщением.
func (bm *BatchManager) Flush(ctx context.Context) error {
	bm.mu.Lock()
	if !bm.refreshAll && len(bm.pending) == 0 {
		bm.mu.Unlock()
		return nil
	}
	res := compositor.TickResult{RefreshAll: bm.refreshAll}
	if len(bm.pending) <= bm.capacity {
		res.Landblocks = bm.pending.Sorted()
	}
	bm.pending = make(compositor.ChangeSet)
	bm.refreshAll = false
	bm.mu.Unlock()

	payload, err := bm.compressor.Compress(res)
	if err != nil {
		return err
	}

	priority := eventbus.PriorityNormal
	if res.RefreshAll {
		priority = eventbus.PriorityHigh
	}
	env := eventbus.NewEnvelope(bm.source, eventbus.EventLandblocksChanged, priority, payload)
	if err := bm.bus.Publish(ctx, env); err != nil {
		logging.Warn("BatchManager publish error: %v", err)
		return err
	}
	logging.Debug("BatchManager: отправлено %d лендблоков (refresh_all=%v, %d байт)", len(res.Landblocks), res.RefreshAll, len(payload))
	return nil
}

func (bm *BatchManager) loop() {
	defer close(bm.done)

	ticker := time.NewTicker(bm.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = bm.Flush(ctx)
			cancel()
		case <-bm.quit:
			return
		}
	}
}

// Stop завершает фоновый цикл и отправляет остаток.
func (bm *BatchManager) Stop() {
	bm.stopOnce.Do(func() {
		close(bm.quit)
		<-bm.done

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bm.Flush(ctx)
	})
}
