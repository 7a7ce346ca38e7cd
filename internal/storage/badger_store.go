package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/cache"
)

// ErrNotFound: ключа нет в хранилище. Совпадает с cache.ErrNotFound,
// поэтому кеш перед хранилищем отличает промах от сбоя.
var ErrNotFound = cache.ErrNotFound

var errNotReady = errors.New("хранилище не готово")

// BlobStore: хранилище сериализованных документов по строковому ключу.
// Совместимо с cache.ColdStorage, поэтому может стоять за горячим кешем.
type BlobStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	BatchLoad(ctx context.Context, keys []string) (map[string][]byte, error)
	BatchStore(ctx context.Context, items map[string][]byte) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// BadgerStore хранит документы проекта в BadgerDB.
type BadgerStore struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerStore открывает (или создаёт) базу в <dataPath>/terrain.
func NewBadgerStore(dataPath string) (*BadgerStore, error) {
	dbPath := filepath.Join(dataPath, "terrain")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &BadgerStore{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
	}, nil
}

// Close закрывает базу
func (bs *BadgerStore) Close() error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if !bs.isReady {
		return nil
	}

	bs.isReady = false
	return bs.db.Close()
}

// Load читает значение ключа
func (bs *BadgerStore) Load(ctx context.Context, key string) ([]byte, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return nil, errNotReady
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}
	return data, nil
}

// Store записывает значение ключа
func (bs *BadgerStore) Store(ctx context.Context, key string, value []byte) error {
	return bs.BatchStore(ctx, map[string][]byte{key: value})
}

// Delete удаляет ключ. Отсутствующий ключ не ошибка.
func (bs *BadgerStore) Delete(ctx context.Context, key string) error {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return errNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("ошибка удаления из BadgerDB: %w", err)
	}
	return nil
}

// BatchLoad читает несколько ключей одной транзакцией. Отсутствующие ключи пропускаются.
func (bs *BadgerStore) BatchLoad(ctx context.Context, keys []string) (map[string][]byte, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return nil, errNotReady
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(keys))
	err := bs.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[key] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка пакетного чтения из BadgerDB: %w", err)
	}
	return result, nil
}

// BatchStore записывает несколько ключей. Большие пакеты разбиваются на несколько транзакций.
func (bs *BadgerStore) BatchStore(ctx context.Context, items map[string][]byte) error {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return errNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := bs.db.NewWriteBatch()
	for key, value := range items {
		if err := wb.Set([]byte(key), value); err != nil {
			wb.Cancel()
			return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// Keys возвращает отсортированные ключи с префиксом
func (bs *BadgerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return nil, errNotReady
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка обхода ключей BadgerDB: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
