package document

import (
	"fmt"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

// LayerDocumentData: форма документа слоя для хранилища.
type LayerDocumentData struct {
	ID         string          `json:"id"`
	Landblocks []LandblockData `json:"landblocks"`
}

// LandblockData: присутствующие ячейки одного лендблока.
type LandblockData struct {
	Key   uint16     `json:"key"`
	Cells []CellData `json:"cells"`
}

// CellData: одна ячейка. Claim == nil означает «маска не сохранена» (All).
type CellData struct {
	Cell  int    `json:"cell"`
	Raw   uint32 `json:"raw"`
	Claim *uint8 `json:"claim,omitempty"`
}

// BaseLandblockData: упакованные значения базового лендблока.
type BaseLandblockData struct {
	Key   uint16                    `json:"key"`
	Cells [terrain.CellCount]uint32 `json:"cells"`
}

// Data переводит документ в форму для хранилища
func (d *LayerDocument) Data() LayerDocumentData {
	data := LayerDocumentData{ID: d.ID, Landblocks: make([]LandblockData, 0, len(d.landblocks))}
	for _, key := range d.Keys() {
		lc := d.landblocks[key]
		lb := LandblockData{Key: uint16(key), Cells: make([]CellData, 0, lc.Len())}
		lc.Each(func(c terrain.Cell, raw uint32, _ terrain.Field) bool {
			cd := CellData{Cell: int(c), Raw: raw}
			if stored, ok := lc.StoredClaim(c); ok {
				v := uint8(stored)
				cd.Claim = &v
			}
			lb.Cells = append(lb.Cells, cd)
			return true
		})
		data.Landblocks = append(data.Landblocks, lb)
	}
	return data
}

// LayerDocumentFromData восстанавливает документ. Индекс ячейки вне диапазона —
// повреждённые данные, а не ошибка программиста: возвращается ошибка.
// Битые маски сохраняются как есть и читаются как All.
func LayerDocumentFromData(data LayerDocumentData) (*LayerDocument, error) {
	doc := NewLayerDocument(data.ID)
	for _, lb := range data.Landblocks {
		key := terrain.LandblockKey(lb.Key)
		for _, cd := range lb.Cells {
			c := terrain.Cell(cd.Cell)
			if !c.Valid() {
				return nil, fmt.Errorf("документ %s, лендблок %s: индекс ячейки %d вне диапазона", data.ID, key, cd.Cell)
			}
			lc := doc.cells(key)
			lc.Set(c, cd.Raw)
			if cd.Claim != nil {
				lc.SetClaim(c, terrain.Field(*cd.Claim))
			}
		}
	}
	return doc, nil
}

// BaseData возвращает упакованную форму лендблока базы.
func (b *BaseDocument) BaseData(key terrain.LandblockKey) (BaseLandblockData, bool) {
	lb, ok := b.landblocks[key]
	if !ok {
		return BaseLandblockData{}, false
	}
	data := BaseLandblockData{Key: uint16(key)}
	for i, e := range lb {
		data.Cells[i] = terrain.Encode(e)
	}
	return data, true
}

// SeedData кладёт в базу лендблок из хранилища.
func (b *BaseDocument) SeedData(data BaseLandblockData) {
	var lb terrain.Landblock
	for i, raw := range data.Cells {
		lb[i] = terrain.Decode(raw)
	}
	b.Seed(terrain.LandblockKey(data.Key), lb)
}
