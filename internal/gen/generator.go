package gen

import (
	"math/rand"

	"github.com/aquilax/go-perlin"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/document"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

// Пороги высоты (0..1) для выбора материала
const (
	DeepWaterMax    = 0.20
	ShallowWaterMax = 0.30
	LowlandMax      = 0.60
	MountainStart   = 0.80
)

// Материалы поверхности, которые выдаёт генератор
const (
	TypeDeepWater uint8 = 1
	TypeWater     uint8 = 2
	TypeSand      uint8 = 3
	TypeGrass     uint8 = 4
	TypeForest    uint8 = 5
	TypeDirt      uint8 = 6
	TypeRock      uint8 = 7
	TypeSnow      uint8 = 8
)

// TerrainGenerator заполняет базу лендблоками из шума Перлина.
// Соседние лендблоки делят крайние вершины, поэтому швы совпадают.
type TerrainGenerator struct {
	Seed           int64
	NoiseScale     float64 // масштаб шума высоты
	BiomeScale     float64 // масштаб шума растительности
	SceneryDensity float64 // доля ячеек с декорациями на суше

	height *perlin.Perlin
	biome  *perlin.Perlin
}

// NewTerrainGenerator создаёт генератор
func NewTerrainGenerator(seed int64) *TerrainGenerator {
	alpha := 2.0  // сглаживание
	beta := 2.0   // частота
	n := int32(3) // октавы
	return &TerrainGenerator{
		Seed:           seed,
		NoiseScale:     0.02,
		BiomeScale:     0.05,
		SceneryDensity: 0.10,
		height:         perlin.NewPerlin(alpha, beta, n, seed),
		biome:          perlin.NewPerlin(alpha, beta, n, seed+42),
	}
}

// GenerateLandblock возвращает лендблок. Результат зависит только от сида и ключа.
func (g *TerrainGenerator) GenerateLandblock(key terrain.LandblockKey) terrain.Landblock {
	rng := rand.New(rand.NewSource(g.Seed + int64(key.X())*31 + int64(key.Y())*17))

	var lb terrain.Landblock
	originX := int(key.X()) * (terrain.CellsPerSide - 1)
	originY := int(key.Y()) * (terrain.CellsPerSide - 1)

	for x := 0; x < terrain.CellsPerSide; x++ {
		for y := 0; y < terrain.CellsPerSide; y++ {
			gx, gy := float64(originX+x), float64(originY+y)

			h := normalize(g.height.Noise2D(gx*g.NoiseScale, gy*g.NoiseScale))
			veg := normalize(g.biome.Noise2D(gx*g.BiomeScale, gy*g.BiomeScale))

			e := terrain.Entry{
				Type:   surfaceType(h, veg),
				Height: uint8(h * terrain.MaxHeight),
			}
			if e.Type >= TypeGrass && e.Type <= TypeDirt && rng.Float64() < g.SceneryDensity*(0.5+veg) {
				e.Scenery = uint8(1 + rng.Intn(terrain.MaxScenery))
			}
			lb.Set(terrain.CellAt(x, y), e)
		}
	}
	return lb
}

// FillBase генерирует лендблоки прямоугольника [x0..x1]x[y0..y1] в базу.
// Уже существующие лендблоки не перезаписываются. Возвращает число созданных.
func (g *TerrainGenerator) FillBase(base *document.BaseDocument, x0, y0, x1, y1 uint8) int {
	created := 0
	for x := int(x0); x <= int(x1); x++ {
		for y := int(y0); y <= int(y1); y++ {
			key := terrain.NewLandblockKey(uint8(x), uint8(y))
			if base.Has(key) {
				continue
			}
			base.Put(key, g.GenerateLandblock(key))
			created++
		}
	}
	return created
}

func surfaceType(h, veg float64) uint8 {
	switch {
	case h < DeepWaterMax:
		return TypeDeepWater
	case h < ShallowWaterMax:
		return TypeWater
	case h < ShallowWaterMax+0.03:
		return TypeSand
	case h < LowlandMax:
		if veg > 0.6 {
			return TypeForest
		}
		return TypeGrass
	case h < MountainStart:
		return TypeDirt
	case h < 0.92:
		return TypeRock
	default:
		return TypeSnow
	}
}

// normalize переводит шум из [-1, 1] в [0, 1]
func normalize(v float64) float64 {
	v = (v + 1) / 2
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
