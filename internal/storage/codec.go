package storage

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Первый байт значения: формат тела.
const (
	formatJSON byte = 'J'
	formatZstd byte = 'Z'
)

// Codec сериализует документы в JSON и при необходимости сжимает их zstd.
// Читает оба формата независимо от настройки сжатия.
type Codec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewCodec создаёт кодек
func NewCodec(compress bool) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{compress: compress, encoder: enc, decoder: dec}, nil
}

// Marshal кодирует значение
func (c *Codec) Marshal(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации: %w", err)
	}
	if !c.compress {
		return append([]byte{formatJSON}, body...), nil
	}
	return c.encoder.EncodeAll(body, []byte{formatZstd}), nil
}

// Unmarshal декодирует значение
func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("пустое значение")
	}

	body := data[1:]
	switch data[0] {
	case formatJSON:
	case formatZstd:
		var err error
		body, err = c.decoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("ошибка распаковки zstd: %w", err)
		}
	default:
		return fmt.Errorf("неизвестный формат значения 0x%02x", data[0])
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ошибка десериализации: %w", err)
	}
	return nil
}

// Close освобождает ресурсы zstd
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
