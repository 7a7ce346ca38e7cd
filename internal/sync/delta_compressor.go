package sync

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/compositor"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

const flagRefreshAll byte = 1

// DeltaCompressor кодирует результат тика для шины событий.
//
// Формат: [флаги:1] [ключ:uint16 BE]...
type DeltaCompressor interface {
	Compress(res compositor.TickResult) ([]byte, error)
	Decompress(payload []byte) (compositor.TickResult, error)
}

type passthroughCompressor struct{}

func NewPassthroughCompressor() DeltaCompressor { return passthroughCompressor{} }

func (passthroughCompressor) Compress(res compositor.TickResult) ([]byte, error) {
	buf := make([]byte, 1, 1+2*len(res.Landblocks))
	if res.RefreshAll {
		buf[0] |= flagRefreshAll
	}
	for _, key := range res.Landblocks {
		buf = binary.BigEndian.AppendUint16(buf, uint16(key))
	}
	return buf, nil
}

func (passthroughCompressor) Decompress(payload []byte) (compositor.TickResult, error) {
	if len(payload) == 0 || (len(payload)-1)%2 != 0 {
		return compositor.TickResult{}, fmt.Errorf("повреждённый пакет изменений: %d байт", len(payload))
	}
	res := compositor.TickResult{RefreshAll: payload[0]&flagRefreshAll != 0}
	for i := 1; i < len(payload); i += 2 {
		res.Landblocks = append(res.Landblocks, terrain.LandblockKey(binary.BigEndian.Uint16(payload[i:])))
	}
	return res, nil
}

// gzipCompressor сжимает тот же формат gzip; выгоден при полных обновлениях.
type gzipCompressor struct{}

func NewGzipCompressor() DeltaCompressor { return gzipCompressor{} }

func (gzipCompressor) Compress(res compositor.TickResult) ([]byte, error) {
	raw, err := passthroughCompressor{}.Compress(res)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(payload []byte) (compositor.TickResult, error) {
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return compositor.TickResult{}, err
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return compositor.TickResult{}, err
	}
	return passthroughCompressor{}.Decompress(raw)
}
