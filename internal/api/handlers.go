package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/compositor"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/layers"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// LandblockResponse: результат компоновки лендблока
type LandblockResponse struct {
	Key      string          `json:"key"`
	Present  bool            `json:"present"`
	Cells    []terrain.Entry `json:"cells,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// WriteCellsRequest: запись полей в ячейки активного слоя или базы.
// Ключи Cells: индексы ячеек 0..80.
type WriteCellsRequest struct {
	Field string                   `json:"field" binding:"required"`
	Cells map[string]terrain.Entry `json:"cells" binding:"required"`
}

type AddLayerRequest struct {
	ParentID string `json:"parent_id"`
	Index    int    `json:"index"`
	Name     string `json:"name" binding:"required"`
}

type VisibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

type MoveRequest struct {
	ParentID string `json:"parent_id"`
	Index    int    `json:"index"`
}

type ActiveLayerRequest struct {
	ID string `json:"id"`
}

// LayersResponse: дерево слоёв и активный слой
type LayersResponse struct {
	Tree        layers.Snapshot `json:"tree"`
	ActiveLayer string          `json:"active_layer"`
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

func (rs *RestServer) handleStats(c *gin.Context) {
	stats := make(map[string]interface{})

	rs.withSession(func(s *compositor.Session) {
		stats["session"] = map[string]interface{}{
			"nodes":           s.Tree().Len(),
			"visible_layers":  len(s.Tree().VisibleLayerList()),
			"loaded":          len(s.Loaded()),
			"active_layer":    s.ActiveLayer(),
			"refresh_pending": s.RefreshPending(),
		}
	})

	if rs.cache != nil {
		stats["cache"] = rs.cache.GetMetrics()
	}

	server := map[string]interface{}{
		"uptime":      rs.metrics.GetUptime(),
		"server_time": time.Now().Unix(),
	}
	if cpu, err := rs.metrics.GetCPUUsage(); err == nil {
		server["cpu_percent"] = fmt.Sprintf("%.2f", cpu)
	}
	if rss, err := rs.metrics.GetRSS(); err == nil {
		server["rss_mb"] = fmt.Sprintf("%.2f", rss)
	}
	stats["server"] = server
	stats["memory_details"] = rs.metrics.GetDetailedMemoryStats()

	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Статистика получена", Data: stats})
}

func (rs *RestServer) handleResolve(c *gin.Context) {
	key, ok := parseKeyParam(c)
	if !ok {
		return
	}

	var (
		lb      terrain.Landblock
		present bool
		err     error
	)
	rs.withSession(func(s *compositor.Session) {
		lb, present, err = s.Resolve(c.Request.Context(), key)
	})

	resp := LandblockResponse{Key: key.String(), Present: present}
	if err != nil {
		resp.Warnings = splitJoined(err)
	}
	if !present {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Лендблок отсутствует во всех слоях", Data: resp})
		return
	}
	resp.Cells = lb[:]
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Лендблок скомпонован", Data: resp})
}

func (rs *RestServer) handleWriteCells(c *gin.Context) {
	key, ok := parseKeyParam(c)
	if !ok {
		return
	}

	var req WriteCellsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}
	field, err := terrain.ParseField(req.Field)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	cells := make(map[terrain.Cell]terrain.Entry, len(req.Cells))
	for idx, e := range req.Cells {
		i, err := strconv.Atoi(idx)
		if err != nil || !terrain.Cell(i).Valid() {
			badRequest(c, fmt.Sprintf("Индекс ячейки %q вне диапазона 0..%d", idx, terrain.CellCount-1))
			return
		}
		if !e.Valid() {
			badRequest(c, fmt.Sprintf("Значение ячейки %s вне допустимых диапазонов", idx))
			return
		}
		cells[terrain.Cell(i)] = e
	}

	var written compositor.ChangeSet
	rs.withSession(func(s *compositor.Session) {
		written, err = s.WriteBatch(c.Request.Context(), field,
			map[terrain.LandblockKey]map[terrain.Cell]terrain.Entry{key: cells})
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Записано", Data: gin.H{
		"cells":      len(cells),
		"landblocks": keyStrings(written.Sorted()),
	}})
}

func (rs *RestServer) handleListLayers(c *gin.Context) {
	var resp LayersResponse
	rs.withSession(func(s *compositor.Session) {
		resp = LayersResponse{Tree: s.Tree().Snapshot(), ActiveLayer: s.ActiveLayer()}
	})
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Дерево слоёв", Data: resp})
}

func (rs *RestServer) handleAddLayer(c *gin.Context) {
	var req AddLayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	var (
		layer *layers.Layer
		err   error
	)
	rs.withSession(func(s *compositor.Session) {
		layer, err = s.AddLayer(req.ParentID, req.Index, req.Name)
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, GenericResponse{Success: true, Message: "Слой создан", Data: gin.H{
		"id":          layer.ID,
		"document_id": layer.DocumentID,
	}})
}

func (rs *RestServer) handleRemoveLayer(c *gin.Context) {
	id := c.Param("id")
	var err error
	rs.withSession(func(s *compositor.Session) {
		_, err = s.RemoveNode(id)
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Узел удалён"})
}

func (rs *RestServer) handleSetVisibility(c *gin.Context) {
	var req VisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	var err error
	rs.withSession(func(s *compositor.Session) {
		err = s.Tree().SetVisible(c.Param("id"), *req.Visible)
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Видимость изменена"})
}

func (rs *RestServer) handleMoveLayer(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	var err error
	rs.withSession(func(s *compositor.Session) {
		err = s.Tree().MoveNode(c.Param("id"), req.ParentID, req.Index)
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Узел перемещён"})
}

func (rs *RestServer) handleClearLayerLandblock(c *gin.Context) {
	key, ok := parseKeyParam(c)
	if !ok {
		return
	}

	var (
		removed bool
		err     error
	)
	rs.withSession(func(s *compositor.Session) {
		removed, err = s.ClearLayerCells(c.Request.Context(), c.Param("id"), key)
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Переопределения удалены", Data: gin.H{"removed": removed}})
}

func (rs *RestServer) handleGetActiveLayer(c *gin.Context) {
	var id string
	rs.withSession(func(s *compositor.Session) { id = s.ActiveLayer() })
	if id == "" {
		id = layers.BaseLayerID
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Активный слой", Data: gin.H{"id": id}})
}

func (rs *RestServer) handleSetActiveLayer(c *gin.Context) {
	var req ActiveLayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	var err error
	rs.withSession(func(s *compositor.Session) {
		err = s.SetActiveLayer(c.Request.Context(), req.ID)
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Активный слой выбран"})
}

func (rs *RestServer) handleRefresh(c *gin.Context) {
	rs.withSession(func(s *compositor.Session) { s.RequestRefresh() })
	c.JSON(http.StatusAccepted, GenericResponse{Success: true, Message: "Перекомпоновка запрошена"})
}

func (rs *RestServer) handleSave(c *gin.Context) {
	var err error
	rs.withSession(func(s *compositor.Session) { err = s.Save(c.Request.Context()) })
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Сохранено"})
}

// fail переводит ошибку сессии в HTTP-статус
func (rs *RestServer) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, GenericResponse{Success: false, Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, layers.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, compositor.ErrLayerNotLoaded):
		return http.StatusConflict
	case errors.Is(err, compositor.ErrInvalidField),
		errors.Is(err, layers.ErrDuplicateID),
		errors.Is(err, layers.ErrReservedID),
		errors.Is(err, layers.ErrCycle),
		errors.Is(err, layers.ErrNotALayer),
		errors.Is(err, layers.ErrNotAGroup),
		errors.Is(err, layers.ErrNodeAttached):
		return http.StatusBadRequest
	case errors.Is(err, compositor.ErrNoBaseDocument),
		errors.Is(err, compositor.ErrNoSaver):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: msg})
}

func parseKeyParam(c *gin.Context) (terrain.LandblockKey, bool) {
	key, err := terrain.ParseLandblockKey(c.Param("key"))
	if err != nil {
		badRequest(c, err.Error())
		return 0, false
	}
	return key, true
}

// splitJoined раскладывает errors.Join на отдельные сообщения
func splitJoined(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func keyStrings(keys []terrain.LandblockKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
