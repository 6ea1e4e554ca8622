package httpapi

import (
	"errors"
	"net/http"

	"github.com/bruhslowed/TDashboard/internal/repository"
	"github.com/bruhslowed/TDashboard/internal/store"

	"go.uber.org/zap"
)

const (
	defaultReadingsLimit = 50
	maxReadingsLimit     = 1000
)

// TemperatureHandler 读数查询 API
type TemperatureHandler struct {
	readings repository.ReadingsRepository
	cache    store.ReadingCache
	logger   *zap.Logger
}

// NewTemperatureHandler cache 可为 nil
func NewTemperatureHandler(readings repository.ReadingsRepository, cache store.ReadingCache, logger *zap.Logger) *TemperatureHandler {
	if cache == nil {
		cache = store.NopReadingCache{}
	}
	return &TemperatureHandler{readings: readings, cache: cache, logger: logger}
}

// GetTemperatures GET /api/temperature/get_temperatures?deviceId=&limit=
func (h *TemperatureHandler) GetTemperatures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseInt(q.Get("limit"), defaultReadingsLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxReadingsLimit {
		limit = maxReadingsLimit
	}

	readings, err := h.readings.ListReadings(r.Context(), q.Get("deviceId"), limit)
	if err != nil {
		h.logger.Error("Failed to list readings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// GetLatest GET /api/temperature/latest?deviceId=
// 先查缓存，未命中或缓存异常时回落到存储
func (h *TemperatureHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	reading, err := h.cache.GetLatest(r.Context(), deviceID)
	if err == nil {
		writeJSON(w, http.StatusOK, reading)
		return
	}
	if !errors.Is(err, store.ErrMiss) {
		h.logger.Warn("Latest reading cache unavailable",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	reading, err = h.readings.LatestReading(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No data available")
			return
		}
		h.logger.Error("Failed to get latest reading", zap.String("device_id", deviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reading)
}
