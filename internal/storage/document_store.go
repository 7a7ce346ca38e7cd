package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/document"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/layers"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

// Раскладка ключей в хранилище
const (
	layerPrefix = "layer:"
	basePrefix  = "base:"
	treeKey     = "tree"
)

// LayerKey: ключ документа слоя в хранилище.
func LayerKey(id string) string { return layerPrefix + id }

// BaseKey: ключ лендблока базы в хранилище.
func BaseKey(key terrain.LandblockKey) string { return fmt.Sprintf("%s%04x", basePrefix, uint16(key)) }

// LayerIDFromKey выделяет идентификатор документа из ключа хранилища.
func LayerIDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, layerPrefix)
	return id, ok && id != ""
}

func parseBaseKey(key string) (terrain.LandblockKey, error) {
	hex, ok := strings.CutPrefix(key, basePrefix)
	if !ok {
		return 0, fmt.Errorf("ключ %q не относится к базе", key)
	}
	v, err := strconv.ParseUint(hex, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("ключ %q: %w", key, err)
	}
	return terrain.LandblockKey(v), nil
}

// DocumentStore сохраняет документы проекта: слои, базу и дерево слоёв.
// Реализует document.Loader и compositor.Saver.
type DocumentStore struct {
	blobs  BlobStore
	codec  *Codec
	logger *logging.Logger
}

// NewDocumentStore создаёт хранилище документов поверх blobs.
func NewDocumentStore(blobs BlobStore, codec *Codec) *DocumentStore {
	return &DocumentStore{
		blobs:  blobs,
		codec:  codec,
		logger: logging.GetStorageLogger(),
	}
}

// LoadLayer читает документ слоя. Отсутствующий документ: document.ErrNotFound.
func (s *DocumentStore) LoadLayer(ctx context.Context, id string) (*document.LayerDocument, error) {
	raw, err := s.blobs.Load(ctx, LayerKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", document.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var data document.LayerDocumentData
	if err := s.codec.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("документ %s: %w", id, err)
	}
	if data.ID == "" {
		data.ID = id
	}
	return document.LayerDocumentFromData(data)
}

// SaveLayer записывает документ слоя целиком
func (s *DocumentStore) SaveLayer(ctx context.Context, doc *document.LayerDocument) error {
	raw, err := s.codec.Marshal(doc.Data())
	if err != nil {
		return fmt.Errorf("документ %s: %w", doc.ID, err)
	}
	if err := s.blobs.Store(ctx, LayerKey(doc.ID), raw); err != nil {
		return err
	}
	s.logger.Debug("Документ слоя %s сохранён (%d байт)", doc.ID, len(raw))
	return nil
}

// DeleteLayer удаляет документ слоя
func (s *DocumentStore) DeleteLayer(ctx context.Context, id string) error {
	return s.blobs.Delete(ctx, LayerKey(id))
}

// LayerIDs возвращает идентификаторы всех сохранённых документов слоёв.
func (s *DocumentStore) LayerIDs(ctx context.Context) ([]string, error) {
	keys, err := s.blobs.Keys(ctx, layerPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := LayerIDFromKey(k); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PruneLayers стирает документы слоёв, на которые не ссылается ни один слой tree.
// Возвращает стёртые идентификаторы.
func (s *DocumentStore) PruneLayers(ctx context.Context, tree *layers.Tree) ([]string, error) {
	ids, err := s.LayerIDs(ctx)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]bool)
	for l := range tree.AllLayers() {
		inUse[l.DocumentID] = true
	}

	var pruned []string
	for _, id := range ids {
		if inUse[id] {
			continue
		}
		if err := s.DeleteLayer(ctx, id); err != nil {
			return pruned, fmt.Errorf("документ %s: %w", id, err)
		}
		pruned = append(pruned, id)
	}
	if len(pruned) > 0 {
		s.logger.Info("Стёрто документов без слоя: %d", len(pruned))
	}
	return pruned, nil
}

// LoadBase читает все лендблоки базы. Пустое хранилище даёт пустую базу.
func (s *DocumentStore) LoadBase(ctx context.Context) (*document.BaseDocument, error) {
	keys, err := s.blobs.Keys(ctx, basePrefix)
	if err != nil {
		return nil, err
	}
	base := document.NewBaseDocument()
	if len(keys) == 0 {
		return base, nil
	}

	values, err := s.blobs.BatchLoad(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		raw, ok := values[k]
		if !ok {
			continue
		}
		var data document.BaseLandblockData
		if err := s.codec.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("база %s: %w", k, err)
		}
		key, err := parseBaseKey(k)
		if err != nil {
			return nil, err
		}
		data.Key = uint16(key)
		base.SeedData(data)
	}
	s.logger.Info("База загружена: %d лендблоков", base.Len())
	return base, nil
}

// SaveBase записывает перечисленные лендблоки базы. Лендблоки, которых
// в базе больше нет, удаляются из хранилища.
func (s *DocumentStore) SaveBase(ctx context.Context, base *document.BaseDocument, keys []terrain.LandblockKey) error {
	items := make(map[string][]byte, len(keys))
	var removed []string
	for _, key := range keys {
		data, ok := base.BaseData(key)
		if !ok {
			removed = append(removed, BaseKey(key))
			continue
		}
		raw, err := s.codec.Marshal(data)
		if err != nil {
			return fmt.Errorf("база %s: %w", key, err)
		}
		items[BaseKey(key)] = raw
	}

	if len(items) > 0 {
		if err := s.blobs.BatchStore(ctx, items); err != nil {
			return err
		}
	}
	for _, k := range removed {
		if err := s.blobs.Delete(ctx, k); err != nil {
			return err
		}
	}
	s.logger.Debug("База: записано %d, удалено %d лендблоков", len(items), len(removed))
	return nil
}

// SaveTree записывает структуру дерева слоёв
func (s *DocumentStore) SaveTree(ctx context.Context, snap layers.Snapshot) error {
	raw, err := s.codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("дерево слоёв: %w", err)
	}
	return s.blobs.Store(ctx, treeKey, raw)
}

// LoadTree читает структуру дерева. ok == false, если дерево ещё не сохранялось.
func (s *DocumentStore) LoadTree(ctx context.Context) (layers.Snapshot, bool, error) {
	raw, err := s.blobs.Load(ctx, treeKey)
	if errors.Is(err, ErrNotFound) {
		return layers.Snapshot{}, false, nil
	}
	if err != nil {
		return layers.Snapshot{}, false, err
	}
	var snap layers.Snapshot
	if err := s.codec.Unmarshal(raw, &snap); err != nil {
		return layers.Snapshot{}, false, fmt.Errorf("дерево слоёв: %w", err)
	}
	return snap, true, nil
}
