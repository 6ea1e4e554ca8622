package domain

import "time"

// BreachType 越限方向
type BreachType string

const (
	BreachTooHot  BreachType = "too_hot"
	BreachTooCold BreachType = "too_cold"
)

// Valid 枚举校验
func (t BreachType) Valid() bool {
	return t == BreachTooHot || t == BreachTooCold
}

// Breach 越限事件（对应 breaches 表）
// DeviceName/Location/Threshold* 是 breach 开始时的快照
type Breach struct {
	BreachID         string     `json:"id" db:"breach_id"`
	DeviceID         string     `json:"deviceId" db:"device_id"`
	DeviceName       string     `json:"deviceName" db:"device_name"`
	Location         string     `json:"location" db:"location"`
	StartTime        time.Time  `json:"startTime" db:"start_time"`
	EndTime          *time.Time `json:"endTime" db:"end_time"`
	StartTemperature float64    `json:"startTemperature" db:"start_temperature"`
	EndTemperature   *float64   `json:"endTemperature" db:"end_temperature"`
	PeakTemperature  float64    `json:"peakTemperature" db:"peak_temperature"`
	ThresholdMin     float64    `json:"thresholdMin" db:"threshold_min"`
	ThresholdMax     float64    `json:"thresholdMax" db:"threshold_max"`
	BreachType       BreachType `json:"breachType" db:"breach_type"`
	Duration         *float64   `json:"duration" db:"duration"` // 秒
	IsResolved       bool       `json:"isResolved" db:"is_resolved"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
}

// Validate 写入前校验：必填字段、枚举、解决状态与结束字段一致
func (b *Breach) Validate() error {
	if b.BreachID == "" {
		return invalid("breach id is required")
	}
	if b.DeviceID == "" {
		return invalid("deviceId is required")
	}
	if b.StartTime.IsZero() {
		return invalid("startTime is required")
	}
	if !b.BreachType.Valid() {
		return invalid("breachType must be %q or %q, got %q", BreachTooHot, BreachTooCold, b.BreachType)
	}
	for name, v := range map[string]float64{
		"startTemperature": b.StartTemperature,
		"peakTemperature":  b.PeakTemperature,
		"thresholdMin":     b.ThresholdMin,
		"thresholdMax":     b.ThresholdMax,
	} {
		if !isFinite(v) {
			return invalid("%s must be a finite number", name)
		}
	}

	if b.IsResolved {
		if b.EndTime == nil || b.EndTemperature == nil || b.Duration == nil {
			return invalid("resolved breach requires endTime, endTemperature and duration")
		}
		if b.EndTime.Before(b.StartTime) {
			return invalid("endTime is before startTime")
		}
	} else if b.EndTime != nil || b.EndTemperature != nil || b.Duration != nil {
		return invalid("unresolved breach must not carry endTime, endTemperature or duration")
	}
	return nil
}

// MoreExtreme 新读数是否在越限方向上比当前峰值更极端
func (b *Breach) MoreExtreme(temperature float64) bool {
	switch b.BreachType {
	case BreachTooHot:
		return temperature > b.PeakTemperature
	case BreachTooCold:
		return temperature < b.PeakTemperature
	}
	return false
}

// Resolve 填充结束字段，duration 精确等于 endTime - startTime（秒）
func (b *Breach) Resolve(endTime time.Time, endTemperature float64) {
	duration := endTime.Sub(b.StartTime).Seconds()
	b.EndTime = &endTime
	b.EndTemperature = &endTemperature
	b.Duration = &duration
	b.IsResolved = true
}
