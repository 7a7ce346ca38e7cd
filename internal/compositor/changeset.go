package compositor

import (
	"sort"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

// ChangeSet: множество лендблоков, которые нужно перекомпоновать.
type ChangeSet map[terrain.LandblockKey]struct{}

// Add добавляет ключи
func (cs ChangeSet) Add(keys ...terrain.LandblockKey) {
	for _, k := range keys {
		cs[k] = struct{}{}
	}
}

// Has проверяет наличие ключа
func (cs ChangeSet) Has(key terrain.LandblockKey) bool {
	_, ok := cs[key]
	return ok
}

// Merge добавляет все ключи other
func (cs ChangeSet) Merge(other ChangeSet) {
	for k := range other {
		cs[k] = struct{}{}
	}
}

// Sorted возвращает ключи по возрастанию
func (cs ChangeSet) Sorted() []terrain.LandblockKey {
	keys := make([]terrain.LandblockKey, 0, len(cs))
	for k := range cs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
