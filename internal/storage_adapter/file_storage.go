package storage_adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/storage"
)

const (
	plainExt = ".blob"
	gzipExt  = ".blob.gz"
)

// FileStore хранит каждый ключ в отдельном файле каталога basePath.
// Удобен для проектов, которые держат под контролем версий.
type FileStore struct {
	basePath           string
	cache              map[string][]byte   // значения в памяти
	pending            map[string]struct{} // ещё не записаны на диск
	mu                 sync.RWMutex
	autoSave           bool
	compressionEnabled bool
}

var _ storage.BlobStore = (*FileStore)(nil)

// NewFileStore создаёт файловое хранилище. При autoSave == false запись
// остаётся в памяти до FlushCache или Close.
func NewFileStore(basePath string, autoSave, compress bool) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", basePath, err)
	}

	return &FileStore{
		basePath:           basePath,
		cache:              make(map[string][]byte),
		pending:            make(map[string]struct{}),
		autoSave:           autoSave,
		compressionEnabled: compress,
	}, nil
}

// Load читает ключ из памяти или с диска
func (f *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	cached, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := f.readFile(key)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[key] = data
	f.mu.Unlock()
	return data, nil
}

// Store записывает ключ
func (f *FileStore) Store(ctx context.Context, key string, value []byte) error {
	return f.BatchStore(ctx, map[string][]byte{key: value})
}

// Delete удаляет ключ из памяти и с диска
func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	delete(f.cache, key)
	delete(f.pending, key)
	f.mu.Unlock()

	for _, ext := range []string{plainExt, gzipExt} {
		err := os.Remove(f.filename(key, ext))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("ошибка удаления %s: %w", key, err)
		}
	}
	return nil
}

// BatchLoad читает несколько ключей. Отсутствующие пропускаются.
func (f *FileStore) BatchLoad(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data, err := f.Load(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[key] = data
	}
	return result, nil
}

// BatchStore записывает несколько ключей
func (f *FileStore) BatchStore(ctx context.Context, items map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	for key, value := range items {
		f.cache[key] = value
		f.pending[key] = struct{}{}
	}
	f.mu.Unlock()

	if f.autoSave {
		return f.FlushCache()
	}
	return nil
}

// Keys возвращает отсортированные ключи с префиксом, включая ещё не сброшенные на диск.
func (f *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", f.basePath, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := f.keyFromFilename(e.Name())
		if ok && strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}

	f.mu.RLock()
	for key := range f.pending {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}
	f.mu.RUnlock()

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// FlushCache записывает на диск все несохранённые ключи
func (f *FileStore) FlushCache() error {
	f.mu.Lock()
	batch := make(map[string][]byte, len(f.pending))
	for key := range f.pending {
		batch[key] = f.cache[key]
	}
	f.pending = make(map[string]struct{})
	f.mu.Unlock()

	var errs []error
	for key, data := range batch {
		if err := f.writeFile(key, data); err != nil {
			errs = append(errs, err)
			f.mu.Lock()
			f.pending[key] = struct{}{}
			f.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// Close сбрасывает несохранённые ключи на диск
func (f *FileStore) Close() error {
	return f.FlushCache()
}

// GetStorageStats возвращает статистику хранилища
func (f *FileStore) GetStorageStats() map[string]interface{} {
	f.mu.RLock()
	cached, pending := len(f.cache), len(f.pending)
	f.mu.RUnlock()

	var fileCount int
	filepath.WalkDir(f.basePath, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			if _, ok := f.keyFromFilename(d.Name()); ok {
				fileCount++
			}
		}
		return nil
	})

	return map[string]interface{}{
		"cached_keys":         cached,
		"pending_keys":        pending,
		"stored_files":        fileCount,
		"base_path":           f.basePath,
		"auto_save":           f.autoSave,
		"compression_enabled": f.compressionEnabled,
	}
}

func (f *FileStore) filename(key, ext string) string {
	return filepath.Join(f.basePath, url.PathEscape(key)+ext)
}

func (f *FileStore) keyFromFilename(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, gzipExt)
	if !ok {
		base, ok = strings.CutSuffix(name, plainExt)
	}
	if !ok {
		return "", false
	}
	key, err := url.PathUnescape(base)
	return key, err == nil
}

// readFile читает ключ в любом из форматов
func (f *FileStore) readFile(key string) ([]byte, error) {
	data, err := os.ReadFile(f.filename(key, gzipExt))
	if err == nil {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("ошибка распаковки %s: %w", key, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("ошибка распаковки %s: %w", key, err)
		}
		return out, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("ошибка чтения %s: %w", key, err)
	}

	data, err = os.ReadFile(f.filename(key, plainExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s: %w", key, err)
	}
	return data, nil
}

// writeFile записывает ключ атомарно через временный файл
func (f *FileStore) writeFile(key string, data []byte) error {
	ext, stale := plainExt, gzipExt
	if f.compressionEnabled {
		ext, stale = gzipExt, plainExt

		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("ошибка сжатия %s: %w", key, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("ошибка сжатия %s: %w", key, err)
		}
		data = buf.Bytes()
	}

	name := f.filename(key, ext)
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("ошибка записи файла %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, name); err != nil {
		return fmt.Errorf("ошибка записи файла %s: %w", name, err)
	}
	if err := os.Remove(f.filename(key, stale)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления %s: %w", key, err)
	}
	return nil
}
