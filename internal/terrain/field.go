package terrain

import (
	"fmt"
	"strings"
)

// Field: битовая маска логических полей ячейки.
// Поля независимо переопределяются слоями; маски комбинируются через |.
type Field uint8

const (
	FieldRoad Field = 1 << iota
	FieldScenery
	FieldType
	FieldHeight

	FieldNone Field = 0
	FieldAll        = FieldRoad | FieldScenery | FieldType | FieldHeight
)

// fieldOrder фиксирует порядок обхода полей (и порядок в String()).
var fieldOrder = [...]Field{FieldRoad, FieldScenery, FieldType, FieldHeight}

var fieldNames = map[Field]string{
	FieldRoad:    "Road",
	FieldScenery: "Scenery",
	FieldType:    "Type",
	FieldHeight:  "Height",
}

// Has возвращает true, если в маске установлены все биты other.
func (f Field) Has(other Field) bool {
	return f&other == other
}

// Valid: непустое подмножество All.
func (f Field) Valid() bool {
	return f != FieldNone && f&^FieldAll == 0
}

// Each вызывает fn для каждого одиночного поля маски в порядке Road, Scenery, Type, Height.
func (f Field) Each(fn func(Field)) {
	for _, single := range fieldOrder {
		if f&single != 0 {
			fn(single)
		}
	}
}

// String возвращает "Road|Height", "All" или "None".
func (f Field) String() string {
	switch f & FieldAll {
	case FieldNone:
		return "None"
	case FieldAll:
		return "All"
	}

	parts := make([]string, 0, len(fieldOrder))
	f.Each(func(single Field) {
		parts = append(parts, fieldNames[single])
	})
	return strings.Join(parts, "|")
}

// ClaimMask нормализует сохранённую маску претензий слоя.
// Маска без единого допустимого бита считается legacy-данными и означает All.
func ClaimMask(stored Field) Field {
	m := stored & FieldAll
	if m == FieldNone {
		return FieldAll
	}
	return m
}

// ParseField разбирает "Height", "road|type", "all".
func ParseField(s string) (Field, error) {
	var result Field
	for _, part := range strings.Split(s, "|") {
		name := strings.ToLower(strings.TrimSpace(part))
		switch name {
		case "road":
			result |= FieldRoad
		case "scenery":
			result |= FieldScenery
		case "type":
			result |= FieldType
		case "height":
			result |= FieldHeight
		case "all":
			result |= FieldAll
		default:
			return FieldNone, fmt.Errorf("неизвестное поле ландшафта %q", part)
		}
	}
	return result, nil
}
