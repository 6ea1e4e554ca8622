package consumer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bruhslowed/TDashboard/internal/domain"
)

// Sample 一条解码后的传感器消息
type Sample struct {
	DeviceID    string
	Temperature float64
	Humidity    *float64
}

type samplePayload struct {
	DeviceID    string          `json:"deviceId"`
	Temperature json.RawMessage `json:"temperature"`
	Humidity    json.RawMessage `json:"humidity"`
}

// ParseSample 解析 {deviceId, temperature, humidity?}
// temperature / humidity 可以是数字或数字字符串；payload 没有 deviceId 时取主题 x/{deviceId}/data 的中间段
func ParseSample(topic string, payload []byte) (*Sample, error) {
	var p samplePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON payload: %v", domain.ErrValidation, err)
	}

	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		deviceID = deviceIDFromTopic(topic)
	}
	if deviceID == "" {
		return nil, fmt.Errorf("%w: missing deviceId", domain.ErrValidation)
	}

	temperature, ok, err := parseNumber(p.Temperature)
	if err != nil {
		return nil, fmt.Errorf("%w: temperature: %v", domain.ErrValidation, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing temperature", domain.ErrValidation)
	}

	s := &Sample{DeviceID: deviceID, Temperature: temperature}

	humidity, ok, err := parseNumber(p.Humidity)
	if err != nil {
		return nil, fmt.Errorf("%w: humidity: %v", domain.ErrValidation, err)
	}
	if ok {
		s.Humidity = &humidity
	}
	return s, nil
}

func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[2] == "data" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// parseNumber 返回 (值, 是否存在, 错误)
func parseNumber(raw json.RawMessage) (float64, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, fmt.Errorf("not a number: %s", string(raw))
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false, nil
		}
		f, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("not a number: %q", s)
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("not a finite number: %s", string(raw))
	}
	return f, true, nil
}
