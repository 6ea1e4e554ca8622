package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bruhslowed/TDashboard/internal/domain"
	"github.com/bruhslowed/TDashboard/internal/repository"

	"go.uber.org/zap"
)

// DeviceHandler 设备注册表 API（不含业务逻辑，实时状态只读）
type DeviceHandler struct {
	devices repository.DevicesRepository
	logger  *zap.Logger
}

func NewDeviceHandler(devices repository.DevicesRepository, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, logger: logger}
}

type createDeviceRequest struct {
	DeviceID       string   `json:"deviceId"`
	Name           string   `json:"name"`
	Location       string   `json:"location"`
	ThresholdMin   *float64 `json:"thresholdMin"`
	ThresholdMax   *float64 `json:"thresholdMax"`
	BreachDuration *int     `json:"breachDuration"`
	Email          string   `json:"email"`
}

// ListDevices GET /api/devices
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListDevices(r.Context())
	if err != nil {
		h.fail(w, "Failed to list devices", err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// GetDevice GET /api/devices/{deviceId}
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	device, err := h.devices.GetDevice(r.Context(), deviceID)
	if err != nil {
		h.fail(w, "Failed to get device", err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// CreateDevice POST /api/devices
func (h *DeviceHandler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	device := &domain.Device{
		DeviceID:       req.DeviceID,
		Name:           req.Name,
		Location:       req.Location,
		ThresholdMin:   req.ThresholdMin,
		ThresholdMax:   req.ThresholdMax,
		BreachDuration: req.BreachDuration,
		Email:          req.Email,
	}
	if err := h.devices.CreateDevice(r.Context(), device); err != nil {
		h.fail(w, "Failed to create device", err)
		return
	}

	h.logger.Info("Device registered", zap.String("device_id", device.DeviceID))
	writeJSON(w, http.StatusCreated, device)
}

// UpdateDevice PUT /api/devices/{deviceId}
// 只更新出现的字段；thresholdMin/thresholdMax/breachDuration 为 null 时清空
func (h *DeviceHandler) UpdateDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	var raw map[string]json.RawMessage
	if err := readBodyJSON(r, maxBodyBytes, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	update, err := parseDeviceUpdate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := h.devices.UpdateDevice(r.Context(), deviceID, update)
	if err != nil {
		h.fail(w, "Failed to update device", err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *DeviceHandler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusNotFound:
		writeError(w, status, "Device not found")
		return
	case http.StatusInternalServerError:
		h.logger.Error(msg, zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// parseDeviceUpdate name/location/email 为 null 时视为未提供；未知字段（含实时状态字段）忽略
func parseDeviceUpdate(raw map[string]json.RawMessage) (domain.DeviceUpdate, error) {
	var u domain.DeviceUpdate

	for key, value := range raw {
		var err error
		switch key {
		case "name":
			err = json.Unmarshal(value, &u.Name)
		case "location":
			err = json.Unmarshal(value, &u.Location)
		case "email":
			err = json.Unmarshal(value, &u.Email)
		case "thresholdMin":
			var v *float64
			err = json.Unmarshal(value, &v)
			u.ThresholdMin = &v
		case "thresholdMax":
			var v *float64
			err = json.Unmarshal(value, &v)
			u.ThresholdMax = &v
		case "breachDuration":
			var v *int
			err = json.Unmarshal(value, &v)
			u.BreachDuration = &v
		}
		if err != nil {
			return u, fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return u, nil
}
