package document

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

// gatedLoader отдаёт результат загрузки только после release(id).
type gatedLoader struct {
	mu    sync.Mutex
	gates map[string][]chan loadResult
	calls int
}

type loadResult struct {
	doc *LayerDocument
	err error
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{gates: make(map[string][]chan loadResult)}
}

func (g *gatedLoader) LoadLayer(ctx context.Context, id string) (*LayerDocument, error) {
	ch := make(chan loadResult, 1)
	g.mu.Lock()
	g.gates[id] = append(g.gates[id], ch)
	g.calls++
	g.mu.Unlock()

	select {
	case r := <-ch:
		return r.doc, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release завершает n-ю (с нуля) загрузку документа id.
func (g *gatedLoader) release(t *testing.T, id string, n int, doc *LayerDocument, err error) {
	t.Helper()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.gates[id]) > n
	}, time.Second, time.Millisecond)

	g.mu.Lock()
	ch := g.gates[id][n]
	g.mu.Unlock()
	ch <- loadResult{doc: doc, err: err}
}

// awaitCalls ждёт, пока загрузка id будет запущена n раз.
func (g *gatedLoader) awaitCalls(t *testing.T, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.gates[id]) == n
	}, time.Second, time.Millisecond)
}

func (g *gatedLoader) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func docWithHeight(id string, h uint8) *LayerDocument {
	d := NewLayerDocument(id)
	d.WriteField(1, 0, terrain.FieldHeight, terrain.Entry{Height: h})
	d.MarkClean()
	return d
}

func TestManagerLoadsInBackground(t *testing.T) {
	loader := newGatedLoader()
	loaded := make(chan string, 1)
	m := NewManager(loader, nil, WithOnLoaded(func(id string, state LoadState) {
		if state == Loaded {
			loaded <- id
		}
	}))
	defer m.Close()

	ctx := context.Background()
	doc, state, err := m.LayerDocument(ctx, "roads")
	assert.Nil(t, doc)
	assert.Equal(t, Pending, state)
	assert.NoError(t, err)

	// повторный запрос не запускает вторую загрузку
	_, state, _ = m.LayerDocument(ctx, "roads")
	assert.Equal(t, Pending, state)

	loader.release(t, "roads", 0, docWithHeight("roads", 5), nil)
	select {
	case id := <-loaded:
		assert.Equal(t, "roads", id)
	case <-time.After(time.Second):
		t.Fatal("обработчик загрузки не вызван")
	}

	doc, state, err = m.LayerDocument(ctx, "roads")
	require.NoError(t, err)
	assert.Equal(t, Loaded, state)
	assert.Equal(t, 1, doc.Len())
	assert.Equal(t, 1, loader.callCount())
}

func TestManagerNotFoundBecomesEmptyDocument(t *testing.T) {
	loader := newGatedLoader()
	m := NewManager(loader, nil)
	defer m.Close()

	m.LayerDocument(context.Background(), "new")
	loader.release(t, "new", 0, nil, ErrNotFound)
	doc, err := m.Wait(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, "new", doc.ID)
	assert.Equal(t, 0, doc.Len())
}

func TestManagerFailedLoad(t *testing.T) {
	loader := newGatedLoader()
	m := NewManager(loader, nil)
	defer m.Close()

	boom := errors.New("диск недоступен")
	m.LayerDocument(context.Background(), "broken")
	loader.release(t, "broken", 0, nil, boom)
	_, err := m.Wait(context.Background(), "broken")
	require.Error(t, err)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "broken", loadErr.DocumentID)
	assert.ErrorIs(t, err, boom)

	_, state, err := m.LayerDocument(context.Background(), "broken")
	assert.Equal(t, Failed, state)
	assert.Error(t, err)
	assert.Equal(t, 1, loader.callCount(), "без инвалидации повторной загрузки нет")

	m.Invalidate(context.Background(), "broken")
	loader.release(t, "broken", 1, docWithHeight("broken", 1), nil)
	doc, err := m.Wait(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Len())
}

func TestManagerLastGenerationWins(t *testing.T) {
	loader := newGatedLoader()
	m := NewManager(loader, nil)
	defer m.Close()
	ctx := context.Background()

	m.LayerDocument(ctx, "roads")
	// первое поколение должно встать в очередь загрузчика раньше второго
	loader.awaitCalls(t, "roads", 1)
	require.True(t, m.Invalidate(ctx, "roads"))
	loader.awaitCalls(t, "roads", 2)

	// второе поколение завершается раньше первого
	loader.release(t, "roads", 1, docWithHeight("roads", 2), nil)
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	doc, err := m.Wait(waitCtx, "roads")
	require.NoError(t, err)
	require.NotNil(t, doc)

	loader.release(t, "roads", 0, docWithHeight("roads", 1), nil)
	// Close дожидается горутины первого поколения
	m.Close()

	current, state, err := m.LayerDocument(ctx, "roads")
	require.NoError(t, err)
	assert.Equal(t, Loaded, state)
	assert.Same(t, doc, current, "устаревший результат отброшен")
}

func TestManagerInvalidateKeepsPreviousDocumentReadable(t *testing.T) {
	loader := newGatedLoader()
	m := NewManager(loader, nil)
	defer m.Close()
	ctx := context.Background()

	m.LayerDocument(ctx, "roads")
	loader.release(t, "roads", 0, docWithHeight("roads", 1), nil)
	first, err := m.Wait(ctx, "roads")
	require.NoError(t, err)

	m.Invalidate(ctx, "roads")
	doc, state, _ := m.LayerDocument(ctx, "roads")
	assert.Equal(t, Loaded, state)
	assert.Same(t, first, doc)

	loader.release(t, "roads", 1, docWithHeight("roads", 9), nil)
	second, err := m.Wait(ctx, "roads")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestManagerPutSupersedesLoad(t *testing.T) {
	loader := newGatedLoader()
	m := NewManager(loader, nil)
	defer m.Close()
	ctx := context.Background()

	m.LayerDocument(ctx, "roads")
	fresh := NewLayerDocument("roads")
	m.Put(fresh)

	loader.release(t, "roads", 0, docWithHeight("roads", 1), nil)
	time.Sleep(20 * time.Millisecond)

	doc, state, _ := m.LayerDocument(ctx, "roads")
	assert.Equal(t, Loaded, state)
	assert.Same(t, fresh, doc)
	assert.Equal(t, []*LayerDocument{fresh}, m.LoadedDocuments())

	m.Forget("roads")
	assert.Empty(t, m.LoadedDocuments())
}

func TestManagerInvalidateKeepsUnsavedEdits(t *testing.T) {
	loader := newGatedLoader()
	m := NewManager(loader, nil)
	defer m.Close()
	ctx := context.Background()

	m.LayerDocument(ctx, "roads")
	loader.release(t, "roads", 0, docWithHeight("roads", 1), nil)
	doc, err := m.Wait(ctx, "roads")
	require.NoError(t, err)

	doc.WriteField(1, 5, terrain.FieldHeight, terrain.Entry{Height: 77})
	require.True(t, doc.Dirty())

	assert.False(t, m.Invalidate(ctx, "roads"))
	assert.Equal(t, 1, loader.callCount(), "правки не затираются перезагрузкой")

	current, state, err := m.LayerDocument(ctx, "roads")
	require.NoError(t, err)
	assert.Equal(t, Loaded, state)
	assert.Same(t, doc, current)

	// после сохранения документ снова можно перезагрузить
	doc.MarkClean()
	assert.True(t, m.Invalidate(ctx, "roads"))
	loader.awaitCalls(t, "roads", 2)
}

func TestManagerInvalidateUnknownDocument(t *testing.T) {
	m := NewManager(newGatedLoader(), nil)
	defer m.Close()
	assert.False(t, m.Invalidate(context.Background(), "never-requested"))
}

func TestManagerWaitHonoursContext(t *testing.T) {
	loader := newGatedLoader()
	m := NewManager(loader, nil)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Wait(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
