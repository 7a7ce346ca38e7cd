package compositor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/document"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/layers"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/metrics"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrLayerNotLoaded = errors.New("документ активного слоя ещё не загружен")
	ErrInvalidField   = errors.New("маска полей должна быть непустым подмножеством All")
	ErrNoBaseDocument = errors.New("базовое хранилище не подключено")
	ErrNoSaver        = errors.New("хранилище для сохранения не подключено")
)

// Documents: документы, с которыми работает сессия (document.Manager).
type Documents interface {
	document.Source
	Put(doc *document.LayerDocument)
	Forget(id string)
	SetBase(base *document.BaseDocument)
	LoadedDocuments() []*document.LayerDocument
}

// Saver сохраняет документы и структуру дерева слоёв.
type Saver interface {
	document.Saver
	DeleteLayer(ctx context.Context, id string) error
	SaveTree(ctx context.Context, snap layers.Snapshot) error
}

// Invalidator рассылает другим процессам сообщение об изменении документа.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, key string) error
}

// TickSink получает результат каждого непустого тика (пакетирование изменений, шина событий).
type TickSink interface {
	HandleTick(ctx context.Context, res TickResult) error
}

// TickResult: что перерисовать после тика.
type TickResult struct {
	RefreshAll bool                   `json:"refresh_all"`
	Landblocks []terrain.LandblockKey `json:"landblocks"`
}

// Empty: тик без изменений
func (r TickResult) Empty() bool {
	return !r.RefreshAll && len(r.Landblocks) == 0
}

// Session — состояние редактирования одного проекта: дерево слоёв, активный слой,
// загруженная область и накопленные изменения.
//
// Сессия не потокобезопасна: все вызовы, кроме RequestRefresh и OnDocumentLoaded,
// сериализует владелец (цикл тиков или API под общим мьютексом).
type Session struct {
	tree        *layers.Tree
	docs        Documents
	compositor  *Compositor
	saver       Saver
	invalidator Invalidator
	sink        TickSink
	metrics     *metrics.Collector
	logger      *logging.Logger

	activeLayer string
	refresh     atomic.Bool
	loaded      ChangeSet
	changed     ChangeSet
	// документы удалённых слоёв, которые Save сотрёт из хранилища
	removedDocs map[string]struct{}
}

// SessionOption настраивает сессию
type SessionOption func(*Session)

// WithSaver подключает хранилище для Save
func WithSaver(s Saver) SessionOption {
	return func(sess *Session) { sess.saver = s }
}

// WithInvalidator подключает рассылку инвалидаций после сохранения
func WithInvalidator(inv Invalidator) SessionOption {
	return func(sess *Session) { sess.invalidator = inv }
}

// WithTickSink подключает получателя результатов тиков
func WithTickSink(sink TickSink) SessionOption {
	return func(sess *Session) { sess.sink = sink }
}

// WithSessionMetrics подключает метрики записей и тиков
func WithSessionMetrics(m *metrics.Collector) SessionOption {
	return func(sess *Session) { sess.metrics = m }
}

// WithCompositorOptions передаёт опции создаваемому композитору
func WithCompositorOptions(opts ...Option) SessionOption {
	return func(sess *Session) {
		sess.compositor = New(sess.tree, sess.docs, opts...)
	}
}

// NewSession создаёт сессию и подписывает её на структурные изменения дерева.
// Чтобы завершение загрузок запрашивало перерисовку, подключите OnDocumentLoaded
// к document.Manager.
func NewSession(tree *layers.Tree, docs Documents, opts ...SessionOption) *Session {
	s := &Session{
		tree:    tree,
		docs:    docs,
		loaded:      make(ChangeSet),
		changed:     make(ChangeSet),
		removedDocs: make(map[string]struct{}),
		logger:      logging.GetCompositorLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compositor == nil {
		s.compositor = New(tree, docs, WithMetrics(s.metrics))
	}
	tree.SetRefresher(s)
	return s
}

// Tree возвращает дерево слоёв сессии
func (s *Session) Tree() *layers.Tree { return s.tree }

// Compositor возвращает композитор сессии
func (s *Session) Compositor() *Compositor { return s.compositor }

// Resolve: см. Compositor.Resolve
func (s *Session) Resolve(ctx context.Context, key terrain.LandblockKey) (terrain.Landblock, bool, error) {
	return s.compositor.Resolve(ctx, key)
}

// RequestRefresh помечает, что на следующем тике перекомпоновать всё загруженное.
// Безопасно вызывать из любой горутины.
func (s *Session) RequestRefresh() {
	s.refresh.Store(true)
}

// RefreshPending сообщает, запрошена ли полная перекомпоновка
func (s *Session) RefreshPending() bool {
	return s.refresh.Load()
}

// OnDocumentLoaded: обработчик для document.WithOnLoaded / Manager.SetOnLoaded.
func (s *Session) OnDocumentLoaded(id string, state document.LoadState) {
	s.logger.Debug("Документ %s: %s, запрошена перекомпоновка", id, state)
	s.RequestRefresh()
}

// MarkLoaded отмечает лендблоки, видимые потребителю (окно редактора, подписчики).
func (s *Session) MarkLoaded(keys ...terrain.LandblockKey) {
	s.loaded.Add(keys...)
}

// MarkUnloaded снимает отметку загрузки
func (s *Session) MarkUnloaded(keys ...terrain.LandblockKey) {
	for _, k := range keys {
		delete(s.loaded, k)
	}
}

// Loaded возвращает загруженные лендблоки по возрастанию
func (s *Session) Loaded() []terrain.LandblockKey {
	return s.loaded.Sorted()
}

// ActiveLayer возвращает ID активного слоя; "": запись идёт в базу.
func (s *Session) ActiveLayer() string { return s.activeLayer }

// SetActiveLayer выбирает слой для записи. "" или layers.BaseLayerID: база.
// Для слоя заранее запускается загрузка его документа.
func (s *Session) SetActiveLayer(ctx context.Context, id string) error {
	if id == "" || id == layers.BaseLayerID {
		s.activeLayer = ""
		return nil
	}
	l, err := s.tree.Layer(id)
	if err != nil {
		return err
	}
	s.activeLayer = l.ID
	s.docs.LayerDocument(ctx, l.DocumentID)
	return nil
}

// AddLayer создаёт слой с пустым документом и вставляет его в дерево.
func (s *Session) AddLayer(parentID string, index int, name string) (*layers.Layer, error) {
	l := layers.NewLayer(name, "")
	if err := s.tree.AddNode(parentID, index, l); err != nil {
		return nil, err
	}
	s.docs.Put(document.NewLayerDocument(l.DocumentID))
	return l, nil
}

// RemoveNode удаляет узел вместе с поддеревом. Если активный слой был в поддереве,
// запись переключается на базу. Документы удалённых слоёв выгружаются, а из
// хранилища стираются при следующем Save.
func (s *Session) RemoveNode(id string) (layers.Node, error) {
	n, err := s.tree.RemoveNode(id)
	if err != nil {
		return nil, err
	}
	for _, l := range layers.SubtreeLayers(n) {
		if l.ID == s.activeLayer {
			s.logger.Info("Активный слой %s удалён, запись переключена на базу", l.ID)
			s.activeLayer = ""
		}
		s.docs.Forget(l.DocumentID)
		s.removedDocs[l.DocumentID] = struct{}{}
	}
	return n, nil
}

// ReplaceBase подменяет базовый документ версией, сохранённой другим процессом.
// Если в текущей базе есть несохранённые лендблоки, замена пропускается
// и возвращается false.
func (s *Session) ReplaceBase(base *document.BaseDocument) bool {
	if cur := s.docs.Base(); cur != nil && len(cur.DirtyKeys()) > 0 {
		s.logger.Warn("База изменена извне, но содержит несохранённые лендблоки (%d): замена пропущена", len(cur.DirtyKeys()))
		return false
	}
	s.docs.SetBase(base)
	s.RequestRefresh()
	return true
}

// writeTarget определяет, куда идёт запись: в документ активного слоя или в базу (doc == nil).
func (s *Session) writeTarget(ctx context.Context) (*document.LayerDocument, *document.BaseDocument, error) {
	if s.activeLayer == "" {
		base := s.docs.Base()
		if base == nil {
			return nil, nil, ErrNoBaseDocument
		}
		return nil, base, nil
	}

	l, err := s.tree.Layer(s.activeLayer)
	if err != nil {
		return nil, nil, fmt.Errorf("активный слой: %w", err)
	}
	doc, state, err := s.docs.LayerDocument(ctx, l.DocumentID)
	if state != document.Loaded {
		return nil, nil, errors.Join(fmt.Errorf("%w: слой %s (%s)", ErrLayerNotLoaded, l.ID, state), err)
	}
	return doc, nil, nil
}

// WriteBatch записывает поля field в перечисленные ячейки активного слоя или базы.
//
// В слой записываются только биты field, маска претензий ячейки расширяется на field.
// В базу записываются все четыре поля ячейки. Возвращаются ровно те лендблоки, куда
// была запись; они же копятся до следующего тика.
func (s *Session) WriteBatch(ctx context.Context, field terrain.Field, changes map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry) (ChangeSet, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidField, field)
	}

	ctx, span := tracer.Start(ctx, "session.WriteBatch",
		trace.WithAttributes(attribute.String("field", field.String())))
	defer span.End()

	doc, base, err := s.writeTarget(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// индексы проверяются до первой записи: частичной записи не бывает
	for _, cells := range changes {
		for c := range cells {
			terrain.MustCell(int(c))
		}
	}

	written := make(ChangeSet, len(changes))
	cellCount := 0
	for key, cells := range changes {
		if len(cells) == 0 {
			continue
		}
		for c, e := range cells {
			if doc != nil {
				doc.WriteField(key, c, field, e)
			} else {
				base.SetCell(key, c, terrain.Decode(terrain.Encode(e)))
			}
			cellCount++
		}
		written.Add(key)
	}

	target := metrics.TargetBase
	if doc != nil {
		target = metrics.TargetLayer
	}
	s.metrics.CellsWritten(target, cellCount)
	span.SetAttributes(
		attribute.String("target", target),
		attribute.Int("cells", cellCount),
		attribute.Int("landblocks", len(written)),
	)

	s.changed.Merge(written)
	return written, nil
}

// WriteLandblock записывает все 81 ячейку лендблока.
func (s *Session) WriteLandblock(ctx context.Context, field terrain.Field, key terrain.LandblockKey, entries terrain.Landblock) (ChangeSet, error) {
	cells := make(map[terrain.Cell]terrain.Entry, terrain.CellCount)
	for i, e := range entries {
		cells[terrain.Cell(i)] = e
	}
	return s.WriteBatch(ctx, field, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{key: cells})
}

// ClearLayerCells удаляет переопределения слоя: перечисленные ячейки или весь
// лендблок, если ячейки не заданы. Маски претензий уменьшаются, поэтому
// запрашивается полная перекомпоновка.
func (s *Session) ClearLayerCells(ctx context.Context, layerID string, key terrain.LandblockKey, cells ...terrain.Cell) (bool, error) {
	l, err := s.tree.Layer(layerID)
	if err != nil {
		return false, err
	}
	doc, state, err := s.docs.LayerDocument(ctx, l.DocumentID)
	if state != document.Loaded {
		return false, errors.Join(fmt.Errorf("%w: слой %s (%s)", ErrLayerNotLoaded, l.ID, state), err)
	}

	removed := false
	if len(cells) == 0 {
		removed = doc.ClearLandblock(key)
	} else {
		for _, c := range cells {
			if doc.ClearCell(key, c) {
				removed = true
			}
		}
	}

	if removed {
		s.changed.Add(key)
		s.RequestRefresh()
	}
	return removed, nil
}

// Tick забирает накопленные изменения.
//
// Если была запрошена перекомпоновка, флаг сбрасывается и возвращаются все
// загруженные лендблоки (плюс изменённые) с RefreshAll. Иначе возвращаются
// лендблоки, изменённые записями с прошлого тика.
func (s *Session) Tick(ctx context.Context) TickResult {
	var res TickResult
	if s.refresh.CompareAndSwap(true, false) {
		all := make(ChangeSet, len(s.loaded)+len(s.changed))
		all.Merge(s.loaded)
		all.Merge(s.changed)
		res = TickResult{RefreshAll: true, Landblocks: all.Sorted()}
	} else {
		res = TickResult{Landblocks: s.changed.Sorted()}
	}
	s.changed = make(ChangeSet)

	s.metrics.Tick(res.RefreshAll, len(res.Landblocks))
	s.metrics.SetLoadedDocuments(len(s.docs.LoadedDocuments()))

	if s.sink != nil && !res.Empty() {
		if err := s.sink.HandleTick(ctx, res); err != nil {
			s.logger.Warn("Не удалось передать результат тика: %v", err)
		}
	}
	return res
}

// Save сохраняет изменённые документы слоёв, изменённые лендблоки базы и дерево.
// Ошибки отдельных документов не прерывают сохранение остальных.
func (s *Session) Save(ctx context.Context) error {
	if s.saver == nil {
		return ErrNoSaver
	}

	ctx, span := tracer.Start(ctx, "session.Save")
	defer span.End()

	var errs []error
	saved := 0
	for _, doc := range s.docs.LoadedDocuments() {
		if !doc.Dirty() {
			continue
		}
		if err := s.saver.SaveLayer(ctx, doc); err != nil {
			errs = append(errs, fmt.Errorf("слой %s: %w", doc.ID, err))
			continue
		}
		doc.MarkClean()
		saved++
		s.publishInvalidation(ctx, doc.ID)
	}

	if base := s.docs.Base(); base != nil {
		if keys := base.DirtyKeys(); len(keys) > 0 {
			if err := s.saver.SaveBase(ctx, base, keys); err != nil {
				errs = append(errs, fmt.Errorf("база: %w", err))
			} else {
				base.MarkClean(keys...)
				s.publishInvalidation(ctx, layers.BaseLayerID)
			}
		}
	}

	errs = append(errs, s.deleteRemovedDocs(ctx)...)

	if err := s.saver.SaveTree(ctx, s.tree.Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("дерево слоёв: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("Сохранение завершилось с ошибками: %v", err)
	} else {
		s.logger.Info("Сохранено документов слоёв: %d", saved)
	}
	return err
}

// deleteRemovedDocs стирает документы удалённых слоёв, на которые больше не
// ссылается ни один слой дерева.
func (s *Session) deleteRemovedDocs(ctx context.Context) []error {
	if len(s.removedDocs) == 0 {
		return nil
	}
	inUse := make(map[string]bool)
	for l := range s.tree.AllLayers() {
		inUse[l.DocumentID] = true
	}

	var errs []error
	for id := range s.removedDocs {
		if inUse[id] {
			delete(s.removedDocs, id)
			continue
		}
		if err := s.saver.DeleteLayer(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("удаление документа %s: %w", id, err))
			continue
		}
		delete(s.removedDocs, id)
		s.logger.Debug("Документ удалённого слоя %s стёрт", id)
		s.publishInvalidation(ctx, id)
	}
	return errs
}

func (s *Session) publishInvalidation(ctx context.Context, key string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.PublishInvalidation(ctx, key); err != nil {
		s.logger.Warn("Не удалось разослать инвалидацию %s: %v", key, err)
	}
}
