package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bruhslowed/TDashboard/internal/domain"
)

// MemoryStore 内存实现（DB 未启用时使用，也用于单元测试）
// 所有操作在同一把锁内完成，OpenBreach / ResolveBreach 天然原子
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*domain.Device
	readings []*domain.Reading
	breaches map[string]*domain.Breach
	nextID   int64
}

// NewMemoryStore 创建内存 Store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  map[string]*domain.Device{},
		breaches: map[string]*domain.Breach{},
	}
}

func copyDevice(d *domain.Device) *domain.Device {
	c := *d
	if d.ThresholdMin != nil {
		v := *d.ThresholdMin
		c.ThresholdMin = &v
	}
	if d.ThresholdMax != nil {
		v := *d.ThresholdMax
		c.ThresholdMax = &v
	}
	if d.BreachDuration != nil {
		v := *d.BreachDuration
		c.BreachDuration = &v
	}
	if d.BreachStartTime != nil {
		v := *d.BreachStartTime
		c.BreachStartTime = &v
	}
	return &c
}

func copyBreach(b *domain.Breach) *domain.Breach {
	c := *b
	if b.EndTime != nil {
		v := *b.EndTime
		c.EndTime = &v
	}
	if b.EndTemperature != nil {
		v := *b.EndTemperature
		c.EndTemperature = &v
	}
	if b.Duration != nil {
		v := *b.Duration
		c.Duration = &v
	}
	return &c
}

func sortBreachesDesc(breaches []*domain.Breach) {
	sort.SliceStable(breaches, func(i, j int) bool {
		return breaches[i].StartTime.After(breaches[j].StartTime)
	})
}

// ============================================
// Devices
// ============================================

func (s *MemoryStore) ListDevices(_ context.Context) ([]*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetDevice(_ context.Context, deviceID string) (*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return copyDevice(d), nil
}

func (s *MemoryStore) CreateDevice(_ context.Context, device *domain.Device) error {
	if device == nil {
		return fmt.Errorf("device is required")
	}
	device.IsCurrentlyInBreach = false
	device.BreachStartTime = nil
	if err := device.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[device.DeviceID]; exists {
		return fmt.Errorf("%w: device %s already exists", ErrConflict, device.DeviceID)
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	s.devices[device.DeviceID] = copyDevice(device)
	return nil
}

func (s *MemoryStore) UpdateDevice(_ context.Context, deviceID string, update domain.DeviceUpdate) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	d := copyDevice(existing)
	update.Apply(d)
	d.UpdatedAt = time.Now().UTC()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	s.devices[deviceID] = d
	return copyDevice(d), nil
}

func (s *MemoryStore) SetDeviceBreachState(_ context.Context, deviceID string, start *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	d.IsCurrentlyInBreach = start != nil
	if start != nil {
		v := *start
		d.BreachStartTime = &v
	} else {
		d.BreachStartTime = nil
	}
	return nil
}

// ============================================
// Readings
// ============================================

func (s *MemoryStore) AppendReading(_ context.Context, reading *domain.Reading) error {
	if reading == nil {
		return fmt.Errorf("reading is required")
	}
	if err := reading.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	reading.ID = s.nextID
	c := *reading
	s.readings = append(s.readings, &c)
	return nil
}

func (s *MemoryStore) ListReadings(_ context.Context, deviceID string, limit int) ([]*domain.Reading, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := []*domain.Reading{}
	for _, r := range s.readings {
		if deviceID != "" && r.DeviceID != deviceID {
			continue
		}
		c := *r
		matched = append(matched, &c)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) LatestReading(ctx context.Context, deviceID string) (*domain.Reading, error) {
	readings, err := s.ListReadings(ctx, deviceID, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("reading for device %s: %w", deviceID, ErrNotFound)
	}
	return readings[0], nil
}

// ============================================
// Breaches
// ============================================

func (s *MemoryStore) ListBreaches(_ context.Context, filters BreachFilters) ([]*domain.Breach, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*domain.Breach{}
	for _, b := range s.breaches {
		if filters.DeviceID != "" && b.DeviceID != filters.DeviceID {
			continue
		}
		if filters.StartTime != nil && b.StartTime.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && b.StartTime.After(*filters.EndTime) {
			continue
		}
		out = append(out, copyBreach(b))
	}
	sortBreachesDesc(out)
	return out, nil
}

func (s *MemoryStore) ListOpenBreaches(_ context.Context, deviceID string) ([]*domain.Breach, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*domain.Breach{}
	for _, b := range s.breaches {
		if b.IsResolved || (deviceID != "" && b.DeviceID != deviceID) {
			continue
		}
		out = append(out, copyBreach(b))
	}
	sortBreachesDesc(out)
	return out, nil
}

func (s *MemoryStore) OpenBreach(_ context.Context, breach *domain.Breach) error {
	if breach == nil {
		return fmt.Errorf("breach is required")
	}
	if breach.IsResolved {
		return fmt.Errorf("%w: cannot open a resolved breach", domain.ErrValidation)
	}
	if err := breach.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[breach.DeviceID]
	if !ok {
		return fmt.Errorf("device %s: %w", breach.DeviceID, ErrNotFound)
	}
	if _, exists := s.breaches[breach.BreachID]; exists {
		return fmt.Errorf("%w: breach %s already exists", ErrConflict, breach.BreachID)
	}
	for _, b := range s.breaches {
		if b.DeviceID == breach.DeviceID && !b.IsResolved {
			return fmt.Errorf("%w: device %s already has an open breach", ErrConflict, breach.DeviceID)
		}
	}

	s.breaches[breach.BreachID] = copyBreach(breach)
	start := breach.StartTime
	d.IsCurrentlyInBreach = true
	d.BreachStartTime = &start
	return nil
}

func (s *MemoryStore) UpdateBreachPeak(_ context.Context, breachID string, peak float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breaches[breachID]
	if !ok || b.IsResolved {
		return fmt.Errorf("open breach %s: %w", breachID, ErrNotFound)
	}
	b.PeakTemperature = peak
	return nil
}

func (s *MemoryStore) ResolveBreach(_ context.Context, breach *domain.Breach) error {
	if breach == nil {
		return fmt.Errorf("breach is required")
	}
	if !breach.IsResolved {
		return fmt.Errorf("%w: breach %s is not resolved", domain.ErrValidation, breach.BreachID)
	}
	if err := breach.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breaches[breach.BreachID]
	if !ok || b.IsResolved {
		return fmt.Errorf("open breach %s: %w", breach.BreachID, ErrNotFound)
	}
	s.breaches[breach.BreachID] = copyBreach(breach)

	if d, ok := s.devices[breach.DeviceID]; ok {
		d.IsCurrentlyInBreach = false
		d.BreachStartTime = nil
	}
	return nil
}
