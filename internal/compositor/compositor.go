package compositor

import (
	"context"
	"errors"
	"time"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/document"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/layers"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/metrics"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("compositor")

// waiter: источник, умеющий дождаться загрузки документа (document.Manager).
type waiter interface {
	Wait(ctx context.Context, id string) (*document.LayerDocument, error)
}

// Compositor вычисляет эффективные данные лендблока: база плюс видимые слои
// в порядке приоритета, с захватом полей по ячейкам.
type Compositor struct {
	tree     *layers.Tree
	source   document.Source
	blocking bool
	metrics  *metrics.Collector
	logger   *logging.Logger
}

// Option настраивает композитор
type Option func(*Compositor)

// WithBlockingLoads заставляет Resolve ждать (в пределах ctx) загрузки документов,
// вместо того чтобы пропускать ещё не загруженные слои.
func WithBlockingLoads() Option {
	return func(c *Compositor) { c.blocking = true }
}

// WithMetrics подключает Prometheus-метрики
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Compositor) { c.metrics = m }
}

// WithLogger подменяет логгер
func WithLogger(l *logging.Logger) Option {
	return func(c *Compositor) { c.logger = l }
}

// New создаёт композитор над деревом слоёв и источником документов.
func New(tree *layers.Tree, source document.Source, opts ...Option) *Compositor {
	c := &Compositor{tree: tree, source: source}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.GetCompositorLogger()
	}
	return c
}

// Resolve возвращает эффективные 81 значение лендблока.
//
// ok == false означает, что ни база, ни один видимый загруженный слой не содержит
// лендблок; это не ошибка. Ошибки загрузки отдельных документов объединяются
// (errors.Join) и возвращаются вместе с композицией: слой с ошибкой просто ничего
// не вносит, результат остаётся пригодным.
func (c *Compositor) Resolve(ctx context.Context, key terrain.LandblockKey) (terrain.Landblock, bool, error) {
	return c.resolve(ctx, key, make(map[string]error))
}

// ResolveMany разрешает набор лендблоков. В результат попадают только лендблоки с данными.
// Ошибка загрузки каждого документа попадает в итоговую ошибку один раз.
func (c *Compositor) ResolveMany(ctx context.Context, keys []terrain.LandblockKey) (map[terrain.LandblockKey]terrain.Landblock, error) {
	out := make(map[terrain.LandblockKey]terrain.Landblock, len(keys))
	failed := make(map[string]error)
	var errs []error

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return out, errors.Join(append(errs, err)...)
		}
		lb, ok, err := c.resolve(ctx, key, failed)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			out[key] = lb
		}
	}
	return out, errors.Join(errs...)
}

// resolve: общий путь Resolve/ResolveMany. failed запоминает документы, загрузка которых
// уже упала в этом вызове: повторная ошибка не логируется и не возвращается.
func (c *Compositor) resolve(ctx context.Context, key terrain.LandblockKey, failed map[string]error) (terrain.Landblock, bool, error) {
	ctx, span := tracer.Start(ctx, "compositor.Resolve",
		trace.WithAttributes(attribute.String("landblock", key.String())))
	defer span.End()
	start := time.Now()

	var result terrain.Landblock
	hasContent := false

	if base := c.source.Base(); base != nil {
		if lb, ok := base.Get(key); ok {
			result = lb
			hasContent = true
		}
	}

	var resolved [terrain.CellCount]terrain.Field
	var errs []error
	contributing := 0

	for layer := range c.tree.VisibleLayers() {
		if _, seen := failed[layer.DocumentID]; seen {
			continue
		}

		doc, err := c.document(ctx, layer)
		if err != nil {
			failed[layer.DocumentID] = err
			errs = append(errs, err)
			span.RecordError(err)
			c.metrics.LayerLoadFailed(layer.DocumentID)
			c.logger.Warn("Слой %s пропущен при композиции %s: %v", layer.ID, key, err)
			continue
		}
		if doc == nil {
			continue
		}

		cells, ok := doc.Landblock(key)
		if !ok {
			continue
		}
		hasContent = true
		contributing++

		cells.Each(func(cell terrain.Cell, raw uint32, claim terrain.Field) bool {
			unclaimed := claim &^ resolved[cell]
			if unclaimed == terrain.FieldNone {
				return true
			}
			result[cell] = result[cell].With(unclaimed, terrain.Decode(raw))
			resolved[cell] |= unclaimed
			return true
		})
	}

	span.SetAttributes(
		attribute.Bool("has_content", hasContent),
		attribute.Int("contributing_layers", contributing),
	)
	c.metrics.ObserveResolve(hasContent, time.Since(start))

	if !hasContent {
		return terrain.Landblock{}, false, errors.Join(errs...)
	}
	return result, true, errors.Join(errs...)
}

// document возвращает загруженный документ слоя, nil для ещё не загруженного
// или ошибку загрузки.
func (c *Compositor) document(ctx context.Context, layer *layers.Layer) (*document.LayerDocument, error) {
	doc, state, err := c.source.LayerDocument(ctx, layer.DocumentID)
	switch state {
	case document.Loaded:
		return doc, nil
	case document.Failed:
		var loadErr *document.LoadError
		if errors.As(err, &loadErr) {
			return nil, err
		}
		return nil, &document.LoadError{DocumentID: layer.DocumentID, Err: err}
	}

	if !c.blocking {
		return nil, nil
	}
	w, ok := c.source.(waiter)
	if !ok {
		return nil, nil
	}
	doc, err = w.Wait(ctx, layer.DocumentID)
	if err != nil {
		var loadErr *document.LoadError
		if errors.As(err, &loadErr) {
			return nil, err
		}
		return nil, &document.LoadError{DocumentID: layer.DocumentID, Err: err}
	}
	return doc, nil
}
