package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bruhslowed/TDashboard/internal/domain"
	"github.com/bruhslowed/TDashboard/internal/repository"

	"go.uber.org/zap"
)

// BreachHandler breach 历史查询 API
type BreachHandler struct {
	breaches repository.BreachesRepository
	logger   *zap.Logger
	now      func() time.Time
}

func NewBreachHandler(breaches repository.BreachesRepository, logger *zap.Logger) *BreachHandler {
	return &BreachHandler{breaches: breaches, logger: logger, now: time.Now}
}

type deviceBreachesResponse struct {
	DeviceID string           `json:"deviceId"`
	Breaches []*domain.Breach `json:"breaches"`
}

// parseBreachFilters deviceId 可选；startDate 与 endDate 同时提供时才按 startTime 过滤
func parseBreachFilters(r *http.Request) (repository.BreachFilters, error) {
	q := r.URL.Query()
	filters := repository.BreachFilters{DeviceID: q.Get("deviceId")}

	startDate, endDate := q.Get("startDate"), q.Get("endDate")
	if startDate == "" || endDate == "" {
		return filters, nil
	}
	start, err := parseDate(startDate, false)
	if err != nil {
		return filters, err
	}
	end, err := parseDate(endDate, true)
	if err != nil {
		return filters, err
	}
	if end.Before(start) {
		return filters, fmt.Errorf("endDate is before startDate")
	}
	filters.StartTime = &start
	filters.EndTime = &end
	return filters, nil
}

// ListBreaches GET /api/breaches?deviceId=&startDate=&endDate=
func (h *BreachHandler) ListBreaches(w http.ResponseWriter, r *http.Request) {
	filters, err := parseBreachFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	breaches, err := h.breaches.ListBreaches(r.Context(), filters)
	if err != nil {
		h.logger.Error("Failed to list breaches", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, breaches)
}

// ListDeviceBreaches GET /api/breaches/{deviceId}
func (h *BreachHandler) ListDeviceBreaches(w http.ResponseWriter, r *http.Request, deviceID string) {
	breaches, err := h.breaches.ListBreaches(r.Context(), repository.BreachFilters{DeviceID: deviceID})
	if err != nil {
		h.logger.Error("Failed to list device breaches", zap.String("device_id", deviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deviceBreachesResponse{DeviceID: deviceID, Breaches: breaches})
}

// ListOngoing GET /api/breaches/ongoing?deviceId=
func (h *BreachHandler) ListOngoing(w http.ResponseWriter, r *http.Request) {
	breaches, err := h.breaches.ListOpenBreaches(r.Context(), r.URL.Query().Get("deviceId"))
	if err != nil {
		h.logger.Error("Failed to list ongoing breaches", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, breaches)
}

// Export GET /api/breaches/export（过滤条件同 ListBreaches）
func (h *BreachHandler) Export(w http.ResponseWriter, r *http.Request) {
	filters, err := parseBreachFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	breaches, err := h.breaches.ListBreaches(r.Context(), filters)
	if err != nil {
		h.logger.Error("Failed to list breaches for export", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data, err := GenerateBreachExport(breaches)
	if err != nil {
		h.logger.Error("Failed to generate breach export", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate export")
		return
	}

	filename := fmt.Sprintf("breaches-%s.xlsx", h.now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
