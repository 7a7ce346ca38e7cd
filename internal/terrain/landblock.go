package terrain

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	CellsPerSide = 9
	CellCount    = CellsPerSide * CellsPerSide // 81
)

// LandblockKey — 16-битный идентификатор лендблока: старший байт X, младший Y.
type LandblockKey uint16

// NewLandblockKey собирает ключ из координат сетки лендблоков.
func NewLandblockKey(x, y uint8) LandblockKey {
	return LandblockKey(uint16(x)<<8 | uint16(y))
}

// X возвращает столбец лендблока.
func (k LandblockKey) X() uint8 { return uint8(k >> 8) }

// Y возвращает строку лендблока.
func (k LandblockKey) Y() uint8 { return uint8(k) }

func (k LandblockKey) String() string {
	return fmt.Sprintf("0x%04X", uint16(k))
}

// ParseLandblockKey принимает "0x00A1", "00A1" (hex) или десятичное "161" с префиксом "#".
func ParseLandblockKey(s string) (LandblockKey, error) {
	s = strings.TrimSpace(s)
	base := 16
	switch {
	case strings.HasPrefix(s, "#"):
		s, base = s[1:], 10
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("некорректный ключ лендблока %q: %w", s, err)
	}
	return LandblockKey(v), nil
}

// Cell: индекс ячейки 0..80 внутри сетки 9x9 лендблока.
// Выход за диапазон: ошибка программиста, а не данных: проверки паникуют.
type Cell int

// MustCell проверяет индекс и паникует, если он вне [0, 80].
func MustCell(i int) Cell {
	c := Cell(i)
	c.mustBeValid()
	return c
}

// CellAt возвращает ячейку по локальным координатам (x: столбец, y: строка).
func CellAt(x, y int) Cell {
	if x < 0 || x >= CellsPerSide || y < 0 || y >= CellsPerSide {
		panic(fmt.Sprintf("terrain: координаты ячейки (%d,%d) вне сетки %dx%d", x, y, CellsPerSide, CellsPerSide))
	}
	return Cell(x*CellsPerSide + y)
}

// Valid сообщает, лежит ли индекс в диапазоне.
func (c Cell) Valid() bool {
	return c >= 0 && c < CellCount
}

// XY возвращает локальные координаты ячейки.
func (c Cell) XY() (x, y int) {
	c.mustBeValid()
	return int(c) / CellsPerSide, int(c) % CellsPerSide
}

func (c Cell) mustBeValid() {
	if !c.Valid() {
		panic(fmt.Sprintf("terrain: индекс ячейки %d вне диапазона [0, %d]", int(c), CellCount-1))
	}
}

// Landblock: полный набор из 81 значения ячеек.
type Landblock [CellCount]Entry

// At возвращает значение ячейки.
func (lb *Landblock) At(c Cell) Entry {
	c.mustBeValid()
	return lb[c]
}

// Set записывает значение ячейки.
func (lb *Landblock) Set(c Cell, e Entry) {
	c.mustBeValid()
	lb[c] = e
}
