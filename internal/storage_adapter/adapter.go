package storage_adapter

import (
	"fmt"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/storage"
)

// Поддерживаемые бэкенды хранилища
const (
	BackendBadger = "badger"
	BackendFile   = "file"
)

// Options выбирает и настраивает бэкенд.
type Options struct {
	Backend  string
	DataPath string
	AutoSave bool
	Compress bool
}

// NewBlobStore открывает хранилище выбранного бэкенда. Пустой Backend: badger.
func NewBlobStore(opts Options) (storage.BlobStore, error) {
	switch opts.Backend {
	case "", BackendBadger:
		return storage.NewBadgerStore(opts.DataPath)
	case BackendFile:
		return NewFileStore(opts.DataPath, opts.AutoSave, opts.Compress)
	default:
		return nil, fmt.Errorf("неизвестный бэкенд хранилища %q", opts.Backend)
	}
}
