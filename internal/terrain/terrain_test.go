package terrain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	// Полный перебор домена: 4 * 32 * 32 * 256 комбинаций
	for road := 0; road <= MaxRoad; road++ {
		for typ := 0; typ <= MaxType; typ++ {
			for scenery := 0; scenery <= MaxScenery; scenery++ {
				for height := 0; height <= MaxHeight; height++ {
					e := Entry{Road: uint8(road), Type: uint8(typ), Scenery: uint8(scenery), Height: uint8(height)}
					if got := Decode(Encode(e)); got != e {
						t.Fatalf("round-trip нарушен: %+v -> %#x -> %+v", e, Encode(e), got)
					}
				}
			}
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	assert.Equal(t, uint32(0x3), Encode(Entry{Road: 3}))
	assert.Equal(t, uint32(0x1F<<2), Encode(Entry{Type: 31}))
	assert.Equal(t, uint32(0x1F<<11), Encode(Entry{Scenery: 31}))
	assert.Equal(t, uint32(0xFF<<16), Encode(Entry{Height: 255}))

	// Зарезервированные биты не влияют на результат
	assert.Equal(t, Entry{Road: 1, Height: 7}, Decode(0xFF000000|0x780|1|7<<16))
}

func TestEncodeMasksOutOfDomain(t *testing.T) {
	e := Entry{Road: 5, Type: 40, Scenery: 33, Height: 9}
	assert.False(t, e.Valid())
	assert.Equal(t, Entry{Road: 1, Type: 8, Scenery: 1, Height: 9}, Decode(Encode(e)))
}

func TestEntryWithAndPatchRaw(t *testing.T) {
	base := Entry{Road: 0, Scenery: 3, Type: 4, Height: 10}
	src := Entry{Road: 1, Scenery: 9, Type: 12, Height: 20}

	assert.Equal(t, Entry{Road: 1, Scenery: 3, Type: 4, Height: 20}, base.With(FieldRoad|FieldHeight, src))
	assert.Equal(t, base, base.With(FieldNone, src))
	assert.Equal(t, src, base.With(FieldAll, src))

	raw := PatchRaw(Encode(base), FieldType, src)
	assert.Equal(t, Entry{Road: 0, Scenery: 3, Type: 12, Height: 10}, Decode(raw))
}

func TestFieldMask(t *testing.T) {
	assert.Equal(t, Field(15), FieldAll)
	assert.True(t, (FieldRoad | FieldHeight).Valid())
	assert.False(t, FieldNone.Valid())
	assert.False(t, Field(0x10).Valid())
	assert.Equal(t, "Road|Height", (FieldRoad | FieldHeight).String())
	assert.Equal(t, "All", FieldAll.String())
	assert.Equal(t, "None", FieldNone.String())

	var seen []Field
	(FieldHeight | FieldScenery).Each(func(f Field) { seen = append(seen, f) })
	assert.Equal(t, []Field{FieldScenery, FieldHeight}, seen)
}

func TestClaimMaskLegacy(t *testing.T) {
	assert.Equal(t, FieldAll, ClaimMask(FieldNone))
	assert.Equal(t, FieldAll, ClaimMask(Field(0xF0)), "маска без допустимых битов трактуется как All")
	assert.Equal(t, FieldRoad, ClaimMask(Field(0x10)|FieldRoad))
	assert.Equal(t, FieldType|FieldHeight, ClaimMask(FieldType|FieldHeight))
}

func TestParseField(t *testing.T) {
	f, err := ParseField("road|Height")
	require.NoError(t, err)
	assert.Equal(t, FieldRoad|FieldHeight, f)

	f, err = ParseField("all")
	require.NoError(t, err)
	assert.Equal(t, FieldAll, f)

	_, err = ParseField("water")
	assert.Error(t, err)
}

func TestLandblockKey(t *testing.T) {
	k := NewLandblockKey(0x12, 0xA1)
	assert.Equal(t, LandblockKey(0x12A1), k)
	assert.Equal(t, uint8(0x12), k.X())
	assert.Equal(t, uint8(0xA1), k.Y())
	assert.Equal(t, "0x12A1", k.String())

	for _, in := range []string{"0x12A1", "12a1", " 0X12A1 ", "#4769"} {
		parsed, err := ParseLandblockKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, k, parsed, in)
	}

	_, err := ParseLandblockKey("0x10000")
	assert.Error(t, err)
}

func TestCellBounds(t *testing.T) {
	assert.Equal(t, Cell(0), MustCell(0))
	assert.Equal(t, Cell(80), MustCell(80))
	assert.Panics(t, func() { MustCell(81) })
	assert.Panics(t, func() { MustCell(-1) })

	c := CellAt(2, 3)
	assert.Equal(t, Cell(21), c)
	x, y := c.XY()
	assert.Equal(t, 2, x)
	assert.Equal(t, 3, y)
	assert.Panics(t, func() { CellAt(9, 0) })

	var lb Landblock
	lb.Set(5, Entry{Height: 3})
	assert.Equal(t, uint8(3), lb.At(5).Height)
	assert.Panics(t, func() { lb.At(Cell(81)) })
}
