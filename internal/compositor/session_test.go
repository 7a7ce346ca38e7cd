package compositor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/document"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/layers"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

type recordingSink struct {
	ticks []TickResult
	err   error
}

func (r *recordingSink) HandleTick(_ context.Context, res TickResult) error {
	r.ticks = append(r.ticks, res)
	return r.err
}

type memorySaver struct {
	layers    map[string]document.LayerDocumentData
	deleted   []string
	baseKeys  []terrain.LandblockKey
	tree      *layers.Snapshot
	failLayer string
}

func newMemorySaver() *memorySaver {
	return &memorySaver{layers: make(map[string]document.LayerDocumentData)}
}

func (m *memorySaver) SaveLayer(_ context.Context, doc *document.LayerDocument) error {
	if doc.ID == m.failLayer {
		return errors.New("нет места")
	}
	m.layers[doc.ID] = doc.Data()
	return nil
}

func (m *memorySaver) DeleteLayer(_ context.Context, id string) error {
	if id == m.failLayer {
		return errors.New("нет доступа")
	}
	delete(m.layers, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memorySaver) SaveBase(_ context.Context, _ *document.BaseDocument, keys []terrain.LandblockKey) error {
	m.baseKeys = append(m.baseKeys, keys...)
	return nil
}

func (m *memorySaver) SaveTree(_ context.Context, snap layers.Snapshot) error {
	m.tree = &snap
	return nil
}

type recordingInvalidator struct{ keys []string }

func (r *recordingInvalidator) PublishInvalidation(_ context.Context, key string) error {
	r.keys = append(r.keys, key)
	return nil
}

func newSession(t *testing.T, opts ...SessionOption) (*Session, *fakeDocs) {
	t.Helper()
	docs := newFakeDocs()
	return NewSession(layers.NewTree(nil), docs, opts...), docs
}

func TestWriteRoutingToLayer(t *testing.T) {
	s, docs := newSession(t)
	docs.base.SetCell(1, 5, terrain.Entry{Road: 1, Scenery: 2, Type: 3, Height: 4})
	docs.base.MarkClean(1)

	l, err := s.AddLayer("", -1, "Types")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveLayer(ctx, l.ID))

	changed, err := s.WriteBatch(ctx, terrain.FieldType, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{
		1: {5: {Road: 3, Scenery: 30, Type: 17, Height: 200}},
	})
	require.NoError(t, err)
	assert.Equal(t, []terrain.LandblockKey{1}, changed.Sorted())

	base, _ := docs.base.Get(1)
	assert.Equal(t, terrain.Entry{Road: 1, Scenery: 2, Type: 3, Height: 4}, base.At(5), "база не тронута")
	assert.Empty(t, docs.base.DirtyKeys())

	doc := docs.docs[l.DocumentID]
	cells, ok := doc.Landblock(1)
	require.True(t, ok)
	assert.Equal(t, terrain.FieldType, cells.Claim(5))

	lb, _, err := s.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, terrain.Entry{Road: 1, Scenery: 2, Type: 17, Height: 4}, lb.At(5))
}

func TestWriteRoutingToBase(t *testing.T) {
	s, docs := newSession(t)
	docs.base.SetCell(1, 5, terrain.Entry{Road: 1, Scenery: 2, Type: 3, Height: 4})

	_, err := s.AddLayer("", -1, "inactive")
	require.NoError(t, err)

	e := terrain.Entry{Road: 3, Scenery: 30, Type: 17, Height: 200}
	changed, err := s.WriteBatch(ctx, terrain.FieldType, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{
		1: {5: e},
		2: {0: e},
		3: {},
	})
	require.NoError(t, err)
	assert.Equal(t, []terrain.LandblockKey{1, 2}, changed.Sorted())

	base, _ := docs.base.Get(1)
	assert.Equal(t, e, base.At(5), "в базу пишутся все четыре поля")

	created, ok := docs.base.Get(2)
	require.True(t, ok)
	assert.Equal(t, e, created.At(0))
	assert.Equal(t, terrain.Entry{}, created.At(1))

	for _, doc := range docs.LoadedDocuments() {
		assert.Equal(t, 0, doc.Len())
	}
}

func TestWriteToExplicitBaseLayer(t *testing.T) {
	s, docs := newSession(t)
	l, err := s.AddLayer("", -1, "L")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveLayer(ctx, l.ID))
	require.NoError(t, s.SetActiveLayer(ctx, layers.BaseLayerID))
	assert.Equal(t, "", s.ActiveLayer())

	_, err = s.WriteLandblock(ctx, terrain.FieldAll, 4, terrain.Landblock{{Height: 9}})
	require.NoError(t, err)
	assert.True(t, docs.base.Has(4))
}

func TestWriteRejectsInvalidField(t *testing.T) {
	s, _ := newSession(t)
	for _, f := range []terrain.Field{terrain.FieldNone, terrain.Field(0x10), terrain.Field(0x1F)} {
		_, err := s.WriteBatch(ctx, f, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{1: {0: {}}})
		assert.ErrorIs(t, err, ErrInvalidField)
	}
}

func TestWriteFailsWhenLayerNotLoaded(t *testing.T) {
	s, docs := newSession(t)
	require.NoError(t, s.Tree().AddNode("", -1, &layers.Layer{ID: "L", DocumentID: "doc-L", Visible: true}))
	require.NoError(t, s.SetActiveLayer(ctx, "L"))

	_, err := s.WriteBatch(ctx, terrain.FieldHeight, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{1: {0: {}}})
	assert.ErrorIs(t, err, ErrLayerNotLoaded)
	assert.False(t, docs.base.Has(1))

	res := s.Tick(ctx)
	assert.Empty(t, res.Landblocks)
}

func TestWriteOutOfRangeCellPanicsBeforeWriting(t *testing.T) {
	s, docs := newSession(t)
	assert.Panics(t, func() {
		s.WriteBatch(ctx, terrain.FieldAll, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{
			1: {0: {}, 81: {}},
		})
	})
	assert.False(t, docs.base.Has(1))
}

func TestSetActiveLayerUnknown(t *testing.T) {
	s, _ := newSession(t)
	assert.ErrorIs(t, s.SetActiveLayer(ctx, "missing"), layers.ErrNodeNotFound)
}

func TestTickDrainsChangedSet(t *testing.T) {
	s, _ := newSession(t)

	_, err := s.WriteBatch(ctx, terrain.FieldAll, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{
		7: {0: {}}, 3: {1: {}},
	})
	require.NoError(t, err)

	res := s.Tick(ctx)
	assert.False(t, res.RefreshAll)
	assert.Equal(t, []terrain.LandblockKey{3, 7}, res.Landblocks)

	assert.True(t, s.Tick(ctx).Empty())
}

func TestStructuralChangeRequestsRefresh(t *testing.T) {
	sink := &recordingSink{}
	s, _ := newSession(t, WithTickSink(sink))
	s.MarkLoaded(10, 2, 5)
	s.MarkUnloaded(5)
	assert.Equal(t, []terrain.LandblockKey{2, 10}, s.Loaded())

	l, err := s.AddLayer("", -1, "L")
	require.NoError(t, err)
	assert.True(t, s.RefreshPending())

	res := s.Tick(ctx)
	assert.True(t, res.RefreshAll)
	assert.Equal(t, []terrain.LandblockKey{2, 10}, res.Landblocks)
	assert.False(t, s.RefreshPending())

	assert.True(t, s.Tick(ctx).Empty())

	require.NoError(t, s.Tree().SetVisible(l.ID, false))
	assert.True(t, s.Tick(ctx).RefreshAll)

	require.NoError(t, s.Tree().Rename(l.ID, "renamed"))
	assert.False(t, s.Tick(ctx).RefreshAll)

	// пустые тики получателю не передаются
	require.Len(t, sink.ticks, 2)
	assert.True(t, sink.ticks[1].RefreshAll)
}

func TestRefreshMergesPendingWrites(t *testing.T) {
	s, _ := newSession(t)
	s.MarkLoaded(1)
	_, err := s.WriteBatch(ctx, terrain.FieldAll, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{9: {0: {}}})
	require.NoError(t, err)
	s.RequestRefresh()

	res := s.Tick(ctx)
	assert.True(t, res.RefreshAll)
	assert.Equal(t, []terrain.LandblockKey{1, 9}, res.Landblocks)
}

func TestSinkErrorDoesNotBreakTick(t *testing.T) {
	sink := &recordingSink{err: errors.New("шина недоступна")}
	s, _ := newSession(t, WithTickSink(sink))
	s.RequestRefresh()
	res := s.Tick(ctx)
	assert.True(t, res.RefreshAll)
	assert.Len(t, sink.ticks, 1)
}

func TestClearLayerCells(t *testing.T) {
	s, docs := newSession(t)
	docs.base.SetCell(1, 0, terrain.Entry{Height: 5})
	l, err := s.AddLayer("", -1, "L")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveLayer(ctx, l.ID))
	_, err = s.WriteBatch(ctx, terrain.FieldHeight, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{
		1: {0: {Height: 50}, 1: {Height: 51}},
	})
	require.NoError(t, err)
	s.Tick(ctx)

	removed, err := s.ClearLayerCells(ctx, l.ID, 1, 0)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, s.RefreshPending())

	lb, _, _ := s.Resolve(ctx, 1)
	assert.Equal(t, uint8(5), lb.At(0).Height)
	assert.Equal(t, uint8(51), lb.At(1).Height)

	removed, err = s.ClearLayerCells(ctx, l.ID, 1)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, docs.docs[l.DocumentID].Len())

	removed, err = s.ClearLayerCells(ctx, l.ID, 1)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSave(t *testing.T) {
	saver := newMemorySaver()
	inv := &recordingInvalidator{}
	s, docs := newSession(t, WithSaver(saver), WithInvalidator(inv))

	good, err := s.AddLayer("", -1, "good")
	require.NoError(t, err)
	bad, err := s.AddLayer("", -1, "bad")
	require.NoError(t, err)
	saver.failLayer = bad.DocumentID

	for _, l := range []*layers.Layer{good, bad} {
		require.NoError(t, s.SetActiveLayer(ctx, l.ID))
		_, err := s.WriteBatch(ctx, terrain.FieldRoad, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{1: {0: {Road: 1}}})
		require.NoError(t, err)
	}
	require.NoError(t, s.SetActiveLayer(ctx, ""))
	_, err = s.WriteBatch(ctx, terrain.FieldAll, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{2: {0: {}}})
	require.NoError(t, err)

	err = s.Save(ctx)
	require.Error(t, err, "ошибка одного слоя возвращается")

	assert.Contains(t, saver.layers, good.DocumentID)
	assert.False(t, docs.docs[good.DocumentID].Dirty())
	assert.True(t, docs.docs[bad.DocumentID].Dirty())
	assert.Equal(t, []string{good.DocumentID, layers.BaseLayerID}, inv.keys, "сохранение базы тоже рассылается")
	assert.Equal(t, []terrain.LandblockKey{2}, saver.baseKeys)
	assert.Empty(t, docs.base.DirtyKeys())
	require.NotNil(t, saver.tree)
	assert.Len(t, saver.tree.Roots, 2)
}

func TestSaveWithoutDirtyBaseSkipsBaseInvalidation(t *testing.T) {
	saver := newMemorySaver()
	inv := &recordingInvalidator{}
	s, _ := newSession(t, WithSaver(saver), WithInvalidator(inv))

	require.NoError(t, s.Save(ctx))
	assert.Empty(t, inv.keys)
	assert.Empty(t, saver.baseKeys)
}

func TestRemoveGroupWithActiveLayer(t *testing.T) {
	saver := newMemorySaver()
	inv := &recordingInvalidator{}
	s, docs := newSession(t, WithSaver(saver), WithInvalidator(inv))

	g := layers.NewGroup("roads")
	require.NoError(t, s.Tree().AddNode("", -1, g))
	inner, err := s.AddLayer(g.ID, -1, "inner")
	require.NoError(t, err)
	keep, err := s.AddLayer("", -1, "keep")
	require.NoError(t, err)
	for _, l := range []*layers.Layer{keep, inner} {
		require.NoError(t, s.SetActiveLayer(ctx, l.ID))
		_, err = s.WriteBatch(ctx, terrain.FieldRoad, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{1: {0: {Road: 1}}})
		require.NoError(t, err)
	}
	require.NoError(t, s.Save(ctx))
	require.Contains(t, saver.layers, inner.DocumentID)
	inv.keys = nil

	// несохранённая правка удаляемого слоя
	_, err = s.WriteBatch(ctx, terrain.FieldRoad, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{1: {1: {Road: 2}}})
	require.NoError(t, err)

	removed, err := s.RemoveNode(g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, removed.NodeID())
	assert.Equal(t, "", s.ActiveLayer(), "запись переключилась на базу")
	_, known := docs.states[inner.DocumentID]
	assert.False(t, known, "документ выгружен")

	// запись после удаления идёт в базу, а не в удалённый слой
	_, err = s.WriteBatch(ctx, terrain.FieldAll, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{1: {0: {Height: 3}}})
	require.NoError(t, err)
	assert.True(t, docs.base.Has(1))

	require.NoError(t, s.Save(ctx))
	assert.Equal(t, []string{inner.DocumentID}, saver.deleted)
	assert.NotContains(t, saver.layers, inner.DocumentID)
	assert.Contains(t, saver.layers, keep.DocumentID)
	assert.Contains(t, inv.keys, inner.DocumentID)

	// повторное сохранение не удаляет второй раз
	require.NoError(t, s.Save(ctx))
	assert.Len(t, saver.deleted, 1)

	_, err = s.RemoveNode(g.ID)
	assert.ErrorIs(t, err, layers.ErrNodeNotFound)
}

func TestRemoveNodeKeepsSharedDocument(t *testing.T) {
	saver := newMemorySaver()
	s, docs := newSession(t, WithSaver(saver))

	a := &layers.Layer{ID: "a", DocumentID: "doc-shared", Visible: true}
	b := &layers.Layer{ID: "b", DocumentID: "doc-shared", Visible: true}
	require.NoError(t, s.Tree().AddNode("", -1, a))
	require.NoError(t, s.Tree().AddNode("", -1, b))
	docs.Put(document.NewLayerDocument("doc-shared"))

	_, err := s.RemoveNode("a")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))
	assert.Empty(t, saver.deleted, "документ ещё нужен слою b")
}

func TestRemoveNodeDeleteFailureIsRetried(t *testing.T) {
	saver := newMemorySaver()
	s, _ := newSession(t, WithSaver(saver))

	l, err := s.AddLayer("", -1, "roads")
	require.NoError(t, err)
	_, err = s.RemoveNode(l.ID)
	require.NoError(t, err)

	saver.failLayer = l.DocumentID
	assert.Error(t, s.Save(ctx))
	assert.Empty(t, saver.deleted)

	saver.failLayer = ""
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, []string{l.DocumentID}, saver.deleted)
}

func TestReplaceBase(t *testing.T) {
	s, docs := newSession(t)
	s.Tick(ctx)

	stored := document.NewBaseDocument()
	stored.Seed(7, terrain.Landblock{})
	require.True(t, s.ReplaceBase(stored))
	assert.Same(t, stored, docs.base)
	assert.True(t, s.RefreshPending())
	s.Tick(ctx)

	// несохранённые правки базы не затираются
	_, err := s.WriteBatch(ctx, terrain.FieldAll, map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{2: {0: {Height: 1}}})
	require.NoError(t, err)
	other := document.NewBaseDocument()
	assert.False(t, s.ReplaceBase(other))
	assert.Same(t, stored, docs.base)
	assert.False(t, s.RefreshPending())
}

func TestSaveWithoutSaver(t *testing.T) {
	s, _ := newSession(t)
	assert.ErrorIs(t, s.Save(ctx), ErrNoSaver)
}

// Завершение фоновой загрузки в document.Manager запрашивает перекомпоновку,
// и на следующем тике слой уже участвует в композиции.
type mapLoader map[string]*document.LayerDocument

func (m mapLoader) LoadLayer(_ context.Context, id string) (*document.LayerDocument, error) {
	doc, ok := m[id]
	if !ok {
		return nil, document.ErrNotFound
	}
	return doc, nil
}

func TestManagerLoadTriggersRefresh(t *testing.T) {
	stored := document.NewLayerDocument("doc-roads")
	stored.WriteField(0x00A1, 0, terrain.FieldRoad, terrain.Entry{Road: 2})
	stored.MarkClean()

	manager := document.NewManager(mapLoader{"doc-roads": stored}, nil)
	defer manager.Close()

	tree := layers.NewTree(nil)
	s := NewSession(tree, manager)
	manager.SetOnLoaded(s.OnDocumentLoaded)
	require.NoError(t, tree.AddNode("", -1, &layers.Layer{ID: "roads", DocumentID: "doc-roads", Visible: true}))
	s.Tick(ctx)

	_, ok, err := s.Resolve(ctx, 0x00A1)
	require.NoError(t, err)
	assert.False(t, ok, "документ ещё грузится")

	require.Eventually(t, s.RefreshPending, time.Second, time.Millisecond)
	s.MarkLoaded(0x00A1)
	res := s.Tick(ctx)
	assert.True(t, res.RefreshAll)
	assert.Equal(t, []terrain.LandblockKey{0x00A1}, res.Landblocks)

	lb, ok, err := s.Resolve(ctx, 0x00A1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint8(2), lb.At(0).Road)
}

func TestBlockingLoads(t *testing.T) {
	stored := document.NewLayerDocument("doc-h")
	stored.WriteField(1, 0, terrain.FieldHeight, terrain.Entry{Height: 12})

	manager := document.NewManager(mapLoader{"doc-h": stored}, nil)
	defer manager.Close()

	tree := layers.NewTree(nil)
	require.NoError(t, tree.AddNode("", -1, &layers.Layer{ID: "h", DocumentID: "doc-h", Visible: true}))
	c := New(tree, manager, WithBlockingLoads())

	lb, ok, err := c.Resolve(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint8(12), lb.At(0).Height)
}
