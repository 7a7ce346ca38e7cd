package document

import (
	"sort"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

// BaseDocument — плотные базовые данные: 81 Entry на лендблок или ничего.
// Базовый слой всегда самый низкий по приоритету и никогда не маскируется.
type BaseDocument struct {
	landblocks map[terrain.LandblockKey]*terrain.Landblock
	dirty      map[terrain.LandblockKey]struct{}
}

// NewBaseDocument создаёт пустое базовое хранилище.
func NewBaseDocument() *BaseDocument {
	return &BaseDocument{
		landblocks: make(map[terrain.LandblockKey]*terrain.Landblock),
		dirty:      make(map[terrain.LandblockKey]struct{}),
	}
}

// Get возвращает копию лендблока.
func (b *BaseDocument) Get(key terrain.LandblockKey) (terrain.Landblock, bool) {
	lb, ok := b.landblocks[key]
	if !ok {
		return terrain.Landblock{}, false
	}
	return *lb, true
}

// Has сообщает, есть ли лендблок в базе
func (b *BaseDocument) Has(key terrain.LandblockKey) bool {
	_, ok := b.landblocks[key]
	return ok
}

// Put заменяет лендблок целиком и помечает его изменённым (генерация, импорт).
func (b *BaseDocument) Put(key terrain.LandblockKey, lb terrain.Landblock) {
	b.Seed(key, lb)
	b.dirty[key] = struct{}{}
}

// Seed кладёт лендблок, прочитанный из хранилища, не помечая его изменённым.
func (b *BaseDocument) Seed(key terrain.LandblockKey, lb terrain.Landblock) {
	cp := lb
	b.landblocks[key] = &cp
}

// SetCell записывает ячейку целиком. Отсутствующий лендблок создаётся заполненным нулями.
func (b *BaseDocument) SetCell(key terrain.LandblockKey, c terrain.Cell, e terrain.Entry) {
	lb, ok := b.landblocks[key]
	if !ok {
		lb = &terrain.Landblock{}
		b.landblocks[key] = lb
	}
	lb.Set(c, e)
	b.dirty[key] = struct{}{}
}

// Delete удаляет лендблок из базы
func (b *BaseDocument) Delete(key terrain.LandblockKey) bool {
	if _, ok := b.landblocks[key]; !ok {
		return false
	}
	delete(b.landblocks, key)
	b.dirty[key] = struct{}{}
	return true
}

// Len возвращает число лендблоков
func (b *BaseDocument) Len() int { return len(b.landblocks) }

// Keys возвращает отсортированные ключи
func (b *BaseDocument) Keys() []terrain.LandblockKey {
	return sortedKeys(b.landblocks)
}

// DirtyKeys возвращает ключи, изменённые после последнего сохранения
func (b *BaseDocument) DirtyKeys() []terrain.LandblockKey {
	return sortedKeys(b.dirty)
}

// MarkClean снимает отметку изменений с перечисленных ключей
func (b *BaseDocument) MarkClean(keys ...terrain.LandblockKey) {
	for _, k := range keys {
		delete(b.dirty, k)
	}
}

func sortedKeys[V any](m map[terrain.LandblockKey]V) []terrain.LandblockKey {
	keys := make([]terrain.LandblockKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
