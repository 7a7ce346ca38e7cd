package terrain

// Entry: эффективное значение одной ячейки лендблока.
type Entry struct {
	Road    uint8 `json:"road"`    // код дорожного сегмента, 0..3
	Scenery uint8 `json:"scenery"` // тип/плотность декораций, 0..31
	Type    uint8 `json:"type"`    // id материала поверхности, 0..31
	Height  uint8 `json:"height"`  // индекс высоты, 0..255
}

// Раскладка упакованного значения:
//
//	bits 0-1   Road
//	bits 2-6   Type
//	bits 7-10  reserved
//	bits 11-15 Scenery
//	bits 16-23 Height
const (
	roadShift    = 0
	typeShift    = 2
	sceneryShift = 11
	heightShift  = 16

	MaxRoad    = 0x3
	MaxType    = 0x1F
	MaxScenery = 0x1F
	MaxHeight  = 0xFF
)

// Encode упаковывает Entry в raw-слово. Значения за пределами домена поля обрезаются маской.
func Encode(e Entry) uint32 {
	return uint32(e.Road&MaxRoad)<<roadShift |
		uint32(e.Type&MaxType)<<typeShift |
		uint32(e.Scenery&MaxScenery)<<sceneryShift |
		uint32(e.Height)<<heightShift
}

// Decode распаковывает raw-слово. Зарезервированные биты игнорируются.
func Decode(raw uint32) Entry {
	return Entry{
		Road:    uint8(raw>>roadShift) & MaxRoad,
		Type:    uint8(raw>>typeShift) & MaxType,
		Scenery: uint8(raw>>sceneryShift) & MaxScenery,
		Height:  uint8(raw >> heightShift),
	}
}

// Valid возвращает true, если все поля лежат в своих доменах (т.е. Encode без потерь).
func (e Entry) Valid() bool {
	return e.Road <= MaxRoad && e.Type <= MaxType && e.Scenery <= MaxScenery
}

// With возвращает копию e, в которой поля из mask взяты из src.
func (e Entry) With(mask Field, src Entry) Entry {
	if mask&FieldRoad != 0 {
		e.Road = src.Road
	}
	if mask&FieldScenery != 0 {
		e.Scenery = src.Scenery
	}
	if mask&FieldType != 0 {
		e.Type = src.Type
	}
	if mask&FieldHeight != 0 {
		e.Height = src.Height
	}
	return e
}

// PatchRaw заменяет в упакованном значении только поля из mask.
func PatchRaw(raw uint32, mask Field, src Entry) uint32 {
	return Encode(Decode(raw).With(mask, src))
}
