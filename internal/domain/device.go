package domain

import (
	"math"
	"time"
)

// Device 设备（对应 devices 表）
// IsCurrentlyInBreach / BreachStartTime 只由 breach 评估器写入
type Device struct {
	DeviceID       string   `json:"deviceId" db:"device_id"`
	Name           string   `json:"name" db:"name"`
	Location       string   `json:"location" db:"location"`
	ThresholdMin   *float64 `json:"thresholdMin" db:"threshold_min"`
	ThresholdMax   *float64 `json:"thresholdMax" db:"threshold_max"`
	BreachDuration *int     `json:"breachDuration" db:"breach_duration"` // 秒，仅展示用
	Email          string   `json:"email" db:"email"`

	IsCurrentlyInBreach bool       `json:"isCurrentlyInBreach" db:"is_currently_in_breach"`
	BreachStartTime     *time.Time `json:"breachStartTime" db:"breach_start_time"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// HasThresholds 上下限都配置了才做 breach 检测
func (d *Device) HasThresholds() bool {
	return d.ThresholdMin != nil && d.ThresholdMax != nil
}

// Validate 写入前校验
func (d *Device) Validate() error {
	if d.DeviceID == "" {
		return invalid("deviceId is required")
	}
	if d.Name == "" {
		return invalid("name is required")
	}
	if d.ThresholdMin != nil && !isFinite(*d.ThresholdMin) {
		return invalid("thresholdMin must be a finite number")
	}
	if d.ThresholdMax != nil && !isFinite(*d.ThresholdMax) {
		return invalid("thresholdMax must be a finite number")
	}
	if d.BreachDuration != nil && *d.BreachDuration < 0 {
		return invalid("breachDuration must not be negative")
	}
	if d.IsCurrentlyInBreach != (d.BreachStartTime != nil) {
		return invalid("breachStartTime must be set iff device is in breach")
	}
	return nil
}

// DeviceUpdate PUT /devices/{id} 的部分更新
// 外层指针为 nil 表示不修改；阈值的内层指针为 nil 表示清空
type DeviceUpdate struct {
	Name           *string
	Location       *string
	ThresholdMin   **float64
	ThresholdMax   **float64
	BreachDuration **int
	Email          *string
}

// Apply 应用部分更新（不涉及 breach 实时状态）
func (u *DeviceUpdate) Apply(d *Device) {
	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.Location != nil {
		d.Location = *u.Location
	}
	if u.ThresholdMin != nil {
		d.ThresholdMin = *u.ThresholdMin
	}
	if u.ThresholdMax != nil {
		d.ThresholdMax = *u.ThresholdMax
	}
	if u.BreachDuration != nil {
		d.BreachDuration = *u.BreachDuration
	}
	if u.Email != nil {
		d.Email = *u.Email
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
