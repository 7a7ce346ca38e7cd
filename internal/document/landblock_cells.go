package document

import (
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
	"github.com/willf/bitset"
)

// LandblockCells: разреженные переопределения одного лендблока в слое.
// 81 слот сырых значений с битсетом присутствия и параллельный массив масок
// претензий со своим битсетом. Ячейка без сохранённой маски претендует на All.
type LandblockCells struct {
	raw     [terrain.CellCount]uint32
	claims  [terrain.CellCount]terrain.Field
	present *bitset.BitSet
	claimed *bitset.BitSet
}

// NewLandblockCells создаёт пустой набор ячеек.
func NewLandblockCells() *LandblockCells {
	return &LandblockCells{
		present: bitset.New(terrain.CellCount),
		claimed: bitset.New(terrain.CellCount),
	}
}

func slot(c terrain.Cell) uint {
	return uint(terrain.MustCell(int(c)))
}

// Get возвращает сырое значение ячейки и признак присутствия.
func (lc *LandblockCells) Get(c terrain.Cell) (uint32, bool) {
	i := slot(c)
	if !lc.present.Test(i) {
		return 0, false
	}
	return lc.raw[i], true
}

// Has сообщает, есть ли у ячейки переопределение.
func (lc *LandblockCells) Has(c terrain.Cell) bool {
	return lc.present.Test(slot(c))
}

// Claim возвращает действующую маску претензий ячейки.
// Для отсутствующей ячейки: None.
func (lc *LandblockCells) Claim(c terrain.Cell) terrain.Field {
	i := slot(c)
	if !lc.present.Test(i) {
		return terrain.FieldNone
	}
	if !lc.claimed.Test(i) {
		return terrain.FieldAll
	}
	return terrain.ClaimMask(lc.claims[i])
}

// StoredClaim возвращает маску как она сохранена, без нормализации.
func (lc *LandblockCells) StoredClaim(c terrain.Cell) (terrain.Field, bool) {
	i := slot(c)
	if !lc.claimed.Test(i) {
		return terrain.FieldNone, false
	}
	return lc.claims[i], true
}

// Set записывает сырое значение, не трогая маску претензий.
func (lc *LandblockCells) Set(c terrain.Cell, raw uint32) {
	i := slot(c)
	lc.raw[i] = raw
	lc.present.Set(i)
}

// SetClaim сохраняет маску претензий ячейки как есть.
func (lc *LandblockCells) SetClaim(c terrain.Cell, mask terrain.Field) {
	i := slot(c)
	lc.claims[i] = mask
	lc.claimed.Set(i)
}

// Clear удаляет переопределение ячейки вместе с маской.
func (lc *LandblockCells) Clear(c terrain.Cell) {
	i := slot(c)
	lc.raw[i] = 0
	lc.claims[i] = terrain.FieldNone
	lc.present.Clear(i)
	lc.claimed.Clear(i)
}

// Len возвращает число присутствующих ячеек.
func (lc *LandblockCells) Len() int {
	return int(lc.present.Count())
}

// Empty: нет ни одной ячейки.
func (lc *LandblockCells) Empty() bool {
	return lc.present.None()
}

// Each обходит присутствующие ячейки по возрастанию индекса.
// claim уже нормализован (отсутствующая или битая маска: All). fn возвращает false для остановки.
func (lc *LandblockCells) Each(fn func(c terrain.Cell, raw uint32, claim terrain.Field) bool) {
	for i, ok := lc.present.NextSet(0); ok; i, ok = lc.present.NextSet(i + 1) {
		claim := terrain.FieldAll
		if lc.claimed.Test(i) {
			claim = terrain.ClaimMask(lc.claims[i])
		}
		if !fn(terrain.Cell(i), lc.raw[i], claim) {
			return
		}
	}
}

// Clone возвращает независимую копию.
func (lc *LandblockCells) Clone() *LandblockCells {
	return &LandblockCells{
		raw:     lc.raw,
		claims:  lc.claims,
		present: lc.present.Clone(),
		claimed: lc.claimed.Clone(),
	}
}
