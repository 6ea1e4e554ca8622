package domain

import "time"

// Reading 温湿度读数（只追加，不修改）
type Reading struct {
	ID          int64     `json:"id,omitempty" db:"id"`
	DeviceID    string    `json:"deviceId" db:"device_id"`
	Temperature float64   `json:"temperature" db:"temperature"`
	Humidity    *float64  `json:"humidity" db:"humidity"`
	Timestamp   time.Time `json:"date" db:"timestamp"`
}

// Validate 写入前校验
func (r *Reading) Validate() error {
	if r.DeviceID == "" {
		return invalid("deviceId is required")
	}
	if !isFinite(r.Temperature) {
		return invalid("temperature must be a finite number")
	}
	if r.Humidity != nil && !isFinite(*r.Humidity) {
		return invalid("humidity must be a finite number")
	}
	if r.Timestamp.IsZero() {
		return invalid("timestamp is required")
	}
	return nil
}
