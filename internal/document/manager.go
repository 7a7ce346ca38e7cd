package document

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound возвращается загрузчиком для документа, которого ещё нет в хранилище.
// Менеджер превращает его в новый пустой документ.
var ErrNotFound = errors.New("документ не найден")

// LoadState: состояние документа слоя в менеджере.
type LoadState int

const (
	Pending LoadState = iota
	Loaded
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// LoadError: ошибка загрузки конкретного документа.
type LoadError struct {
	DocumentID string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("загрузка документа %s: %v", e.DocumentID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader читает документы слоёв из хранилища.
type Loader interface {
	LoadLayer(ctx context.Context, id string) (*LayerDocument, error)
}

// Saver сохраняет изменённые документы.
type Saver interface {
	SaveLayer(ctx context.Context, doc *LayerDocument) error
	SaveBase(ctx context.Context, base *BaseDocument, keys []terrain.LandblockKey) error
}

// Source: то, через что композитор получает документы. Чтение никогда не блокирует.
type Source interface {
	LayerDocument(ctx context.Context, id string) (*LayerDocument, LoadState, error)
	Base() *BaseDocument
}

type docEntry struct {
	state      LoadState
	doc        *LayerDocument
	err        error
	generation uint64
	loading    bool
	done       chan struct{} // закрывается по завершении текущего поколения загрузки
}

// Manager владеет загруженными документами слоёв и загружает их в фоне.
// Для каждого запроса загрузки выдаётся номер поколения: сохраняется только
// результат последнего поколения, устаревшие результаты отбрасываются.
type Manager struct {
	mu         sync.Mutex
	loader     Loader
	base       *BaseDocument
	docs       map[string]*docEntry
	generation uint64
	onLoaded   func(id string, state LoadState)
	logger     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerOption настраивает менеджер.
type ManagerOption func(*Manager)

// WithOnLoaded задаёт обработчик завершения загрузки. Вызывается вне блокировки менеджера
// из горутины загрузки, поэтому должен быть потокобезопасным.
func WithOnLoaded(fn func(id string, state LoadState)) ManagerOption {
	return func(m *Manager) { m.onLoaded = fn }
}

// WithLogger подменяет логгер менеджера
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager создаёт менеджер. base == nil заменяется пустой базой.
func NewManager(loader Loader, base *BaseDocument, opts ...ManagerOption) *Manager {
	if base == nil {
		base = NewBaseDocument()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		loader: loader,
		base:   base,
		docs:   make(map[string]*docEntry),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.GetDocumentLogger()
	}
	return m
}

// SetOnLoaded задаёт обработчик после создания (сессия подключается позже менеджера).
func (m *Manager) SetOnLoaded(fn func(id string, state LoadState)) {
	m.mu.Lock()
	m.onLoaded = fn
	m.mu.Unlock()
}

// Base возвращает базовое хранилище
func (m *Manager) Base() *BaseDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base
}

// SetBase заменяет базовое хранилище (открытие другого проекта)
func (m *Manager) SetBase(base *BaseDocument) {
	m.mu.Lock()
	m.base = base
	m.mu.Unlock()
}

// LayerDocument возвращает документ, если он загружен. Первый запрос запускает фоновую
// загрузку и возвращает Pending. Для Failed возвращается *LoadError.
func (m *Manager) LayerDocument(ctx context.Context, id string) (*LayerDocument, LoadState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.docs[id]
	if !ok {
		e = &docEntry{state: Pending}
		m.docs[id] = e
		m.startLoadLocked(ctx, id, e)
	}

	switch e.state {
	case Loaded:
		return e.doc, Loaded, nil
	case Failed:
		return nil, Failed, &LoadError{DocumentID: id, Err: e.err}
	default:
		return nil, Pending, nil
	}
}

// Wait блокирует до завершения текущей загрузки документа (или отмены ctx).
func (m *Manager) Wait(ctx context.Context, id string) (*LayerDocument, error) {
	for {
		doc, _, err := m.LayerDocument(ctx, id)

		m.mu.Lock()
		e, ok := m.docs[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		loading, done := e.loading, e.done
		m.mu.Unlock()

		if !loading {
			return doc, err
		}

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Invalidate перезагружает документ после внешнего изменения. До прихода нового
// поколения читается прежний документ; повторная загрузка: единственный способ
// выйти из состояния Failed. Документ с несохранёнными правками не перезагружается,
// иначе правки были бы потеряны; в этом случае возвращается false.
func (m *Manager) Invalidate(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.docs[id]
	if !ok {
		return false
	}
	if e.state == Loaded && e.doc.Dirty() {
		m.logger.Warn("Документ %s изменён извне, но содержит несохранённые правки: перезагрузка пропущена", id)
		return false
	}
	m.logger.Debug("Инвалидация документа %s (поколение %d)", id, e.generation)
	m.startLoadLocked(ctx, id, e)
	return true
}

// Put регистрирует документ, созданный в памяти (новый слой), как загруженный.
// Незавершённые загрузки этого документа становятся устаревшими.
func (m *Manager) Put(doc *LayerDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.docs[doc.ID]
	if !ok {
		e = &docEntry{}
		m.docs[doc.ID] = e
	}
	if e.loading {
		close(e.done)
		e.loading = false
	}
	m.generation++
	e.generation = m.generation
	e.state = Loaded
	e.doc = doc
	e.err = nil
}

// Forget удаляет документ из менеджера (слой удалён из проекта).
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.docs[id]; ok {
		if e.loading {
			close(e.done)
		}
		delete(m.docs, id)
	}
}

// LoadedDocuments возвращает загруженные документы, отсортированные по ID.
func (m *Manager) LoadedDocuments() []*LayerDocument {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*LayerDocument, 0, len(m.docs))
	for _, e := range m.docs {
		if e.state == Loaded {
			out = append(out, e.doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close отменяет незавершённые загрузки и ждёт их горутины.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// startLoadLocked начинает новое поколение загрузки. Вызывается под m.mu.
func (m *Manager) startLoadLocked(ctx context.Context, id string, e *docEntry) {
	if e.loading {
		// ожидающие прошлого поколения перепроверят состояние
		close(e.done)
	}
	m.generation++
	gen := m.generation
	e.generation = gen
	e.loading = true
	e.done = make(chan struct{})

	// загрузка живёт столько же, сколько менеджер, а не вызвавший запрос;
	// от запроса берётся только контекст трассировки
	loadCtx := trace.ContextWithSpanContext(m.ctx, trace.SpanContextFromContext(ctx))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		doc, err := m.loader.LoadLayer(loadCtx, id)
		if errors.Is(err, ErrNotFound) {
			doc, err = NewLayerDocument(id), nil
		}
		m.finish(id, gen, doc, err)
	}()
}

func (m *Manager) finish(id string, gen uint64, doc *LayerDocument, err error) {
	m.mu.Lock()
	e, ok := m.docs[id]
	if !ok || e.generation != gen {
		m.mu.Unlock()
		m.logger.Debug("Отброшен устаревший результат загрузки %s (поколение %d)", id, gen)
		return
	}

	if err != nil {
		e.state = Failed
		e.err = err
		e.doc = nil
		m.logger.Warn("Не удалось загрузить документ %s: %v", id, err)
	} else {
		if doc.ID == "" {
			doc.ID = id
		}
		e.state = Loaded
		e.doc = doc
		e.err = nil
		m.logger.Debug("Документ %s загружен: %d лендблоков", id, doc.Len())
	}
	e.loading = false
	close(e.done)
	state := e.state
	onLoaded := m.onLoaded
	m.mu.Unlock()

	if onLoaded != nil {
		onLoaded(id, state)
	}
}
