package document

import (
	"fmt"
	"sort"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

// LayerDocument: разреженное хранилище переопределений одного слоя.
// Записи создаются первой записью в ячейку и удаляются только явными
// командами ClearCell / ClearLandblock.
type LayerDocument struct {
	ID string

	landblocks map[terrain.LandblockKey]*LandblockCells
	dirty      bool
}

// NewLayerDocument создаёт пустой документ слоя.
func NewLayerDocument(id string) *LayerDocument {
	return &LayerDocument{
		ID:         id,
		landblocks: make(map[terrain.LandblockKey]*LandblockCells),
	}
}

// Landblock возвращает ячейки лендблока, если в слое есть хоть одна запись для него.
func (d *LayerDocument) Landblock(key terrain.LandblockKey) (*LandblockCells, bool) {
	lc, ok := d.landblocks[key]
	return lc, ok
}

// Keys возвращает отсортированные ключи лендблоков с записями
func (d *LayerDocument) Keys() []terrain.LandblockKey {
	keys := make([]terrain.LandblockKey, 0, len(d.landblocks))
	for k := range d.landblocks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len возвращает число лендблоков с записями
func (d *LayerDocument) Len() int { return len(d.landblocks) }

func (d *LayerDocument) cells(key terrain.LandblockKey) *LandblockCells {
	lc, ok := d.landblocks[key]
	if !ok {
		lc = NewLandblockCells()
		d.landblocks[key] = lc
	}
	return lc
}

// SetRaw записывает сырое значение ячейки без изменения маски.
func (d *LayerDocument) SetRaw(key terrain.LandblockKey, c terrain.Cell, raw uint32) {
	d.cells(key).Set(c, raw)
	d.dirty = true
}

// SetClaim сохраняет маску претензий ячейки как есть. Ячейка должна уже присутствовать.
func (d *LayerDocument) SetClaim(key terrain.LandblockKey, c terrain.Cell, mask terrain.Field) error {
	lc, ok := d.landblocks[key]
	if !ok || !lc.Has(c) {
		return fmt.Errorf("ячейка %d лендблока %s отсутствует в слое %s", c, key, d.ID)
	}
	lc.SetClaim(c, mask)
	d.dirty = true
	return nil
}

// WriteField записывает в ячейку поля из mask и расширяет маску претензий.
// Новая ячейка получает закодированный entry целиком и претензию ровно на mask.
// Претензии только растут.
func (d *LayerDocument) WriteField(key terrain.LandblockKey, c terrain.Cell, mask terrain.Field, e terrain.Entry) {
	lc := d.cells(key)
	d.dirty = true

	raw, present := lc.Get(c)
	if !present {
		lc.Set(c, terrain.Encode(e))
		lc.SetClaim(c, mask)
		return
	}

	lc.Set(c, terrain.PatchRaw(raw, mask, e))
	if stored, ok := lc.StoredClaim(c); ok {
		lc.SetClaim(c, terrain.ClaimMask(stored)|mask)
	}
	// без сохранённой маски ячейка уже претендует на All
}

// ClearCell удаляет переопределение ячейки. Пустой лендблок удаляется целиком.
func (d *LayerDocument) ClearCell(key terrain.LandblockKey, c terrain.Cell) bool {
	lc, ok := d.landblocks[key]
	if !ok || !lc.Has(c) {
		return false
	}
	lc.Clear(c)
	if lc.Empty() {
		delete(d.landblocks, key)
	}
	d.dirty = true
	return true
}

// ClearLandblock удаляет все переопределения лендблока.
func (d *LayerDocument) ClearLandblock(key terrain.LandblockKey) bool {
	if _, ok := d.landblocks[key]; !ok {
		return false
	}
	delete(d.landblocks, key)
	d.dirty = true
	return true
}

// Dirty сообщает о несохранённых изменениях
func (d *LayerDocument) Dirty() bool { return d.dirty }

// MarkClean сбрасывает флаг изменений после сохранения
func (d *LayerDocument) MarkClean() { d.dirty = false }
