package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bruhslowed/TDashboard/internal/domain"
	"github.com/bruhslowed/TDashboard/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 评估器需要的存储能力（repository.Store 的子集）
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)
	SetDeviceBreachState(ctx context.Context, deviceID string, start *time.Time) error
	ListOpenBreaches(ctx context.Context, deviceID string) ([]*domain.Breach, error)
	OpenBreach(ctx context.Context, breach *domain.Breach) error
	UpdateBreachPeak(ctx context.Context, breachID string, peak float64) error
	ResolveBreach(ctx context.Context, breach *domain.Breach) error
}

// Breach 事件名（写入事件流的 event 字段）
const (
	EventBreachOpened   = "opened"
	EventBreachResolved = "resolved"
)

// EventPublisher breach 开始/结束通知（持久化成功后调用，失败只记日志）
type EventPublisher interface {
	PublishBreachEvent(ctx context.Context, event string, breach *domain.Breach) error
}

// Outcome 一次评估的结果
type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"      // 设备不存在或未配置阈值
	OutcomeNormal      Outcome = "normal"       // NORMAL -> NORMAL
	OutcomeOpened      Outcome = "opened"       // NORMAL -> IN_BREACH
	OutcomeOngoing     Outcome = "ongoing"      // IN_BREACH -> IN_BREACH，峰值不变
	OutcomePeakUpdated Outcome = "peak_updated" // IN_BREACH -> IN_BREACH，峰值更新
	OutcomeResolved    Outcome = "resolved"     // IN_BREACH -> NORMAL
)

// Result 评估结果
type Result struct {
	Outcome Outcome
	Breach  *domain.Breach // 涉及的 breach（Skipped/Normal 时为 nil）
	Elapsed time.Duration  // 当前 episode 已持续时间（仅观测用）
}

// BreachEvaluator 温度越限评估器
// 同一 deviceId 的评估严格串行；不同设备可以并发
type BreachEvaluator struct {
	store     Store
	publisher EventPublisher
	locks     *keyedMutex
	logger    *zap.Logger
	newID     func() string
}

// NewBreachEvaluator 创建评估器（publisher 可为 nil）
func NewBreachEvaluator(store Store, publisher EventPublisher, logger *zap.Logger) *BreachEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreachEvaluator{
		store:     store,
		publisher: publisher,
		locks:     newKeyedMutex(),
		logger:    logger,
		newID:     func() string { return uuid.New().String() },
	}
}

// isBreached 是否越限；too_hot 优先判断
func isBreached(temperature, thresholdMin, thresholdMax float64) (bool, domain.BreachType) {
	if temperature > thresholdMax {
		return true, domain.BreachTooHot
	}
	if temperature < thresholdMin {
		return true, domain.BreachTooCold
	}
	return false, ""
}

// Evaluate 对一条已落库的读数做 breach 评估
// 返回错误时设备状态未推进，调用方不应重复应用同一读数
func (e *BreachEvaluator) Evaluate(ctx context.Context, deviceID string, temperature float64, observedAt time.Time) (*Result, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: deviceId is required", domain.ErrValidation)
	}
	observedAt = observedAt.UTC().Truncate(time.Millisecond)

	unlock := e.locks.Lock(deviceID)
	defer unlock()

	device, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.logger.Debug("Device not registered, skipping breach evaluation",
				zap.String("device_id", deviceID),
			)
			return &Result{Outcome: OutcomeSkipped}, nil
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	// 未配置阈值且不在越限中：不做检测
	if !device.HasThresholds() && !device.IsCurrentlyInBreach {
		return &Result{Outcome: OutcomeSkipped}, nil
	}

	open, err := e.currentBreach(ctx, device)
	if err != nil {
		return nil, err
	}

	if open != nil {
		return e.evaluateOpen(ctx, device, open, temperature, observedAt)
	}
	return e.evaluateNormal(ctx, device, temperature, observedAt)
}

// currentBreach 找到设备当前未解决的 breach，并修复实时状态与记录不一致的情况
func (e *BreachEvaluator) currentBreach(ctx context.Context, device *domain.Device) (*domain.Breach, error) {
	open, err := e.store.ListOpenBreaches(ctx, device.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load open breaches: %w", err)
	}
	if len(open) == 0 {
		if device.IsCurrentlyInBreach {
			e.logger.Error("Device flagged in breach but has no open breach record",
				zap.String("device_id", device.DeviceID),
			)
		}
		return nil, nil
	}

	// ListOpenBreaches 按 startTime 倒序，第一条是最新的
	current := open[0]
	if len(open) > 1 {
		ids := make([]string, 0, len(open))
		for _, b := range open {
			ids = append(ids, b.BreachID)
		}
		e.logger.Error("Multiple open breaches for one device, using the most recent",
			zap.String("device_id", device.DeviceID),
			zap.Strings("breach_ids", ids),
			zap.String("current_breach_id", current.BreachID),
		)
	}

	if !device.IsCurrentlyInBreach {
		e.logger.Error("Open breach record exists but device is flagged normal, re-flagging device",
			zap.String("device_id", device.DeviceID),
			zap.String("breach_id", current.BreachID),
		)
		start := current.StartTime
		if err := e.store.SetDeviceBreachState(ctx, device.DeviceID, &start); err != nil {
			return nil, fmt.Errorf("failed to repair device breach state: %w", err)
		}
		device.IsCurrentlyInBreach = true
		device.BreachStartTime = &start
	}
	return current, nil
}

// evaluateOpen IN_BREACH 状态：用 breach 的阈值快照判断
func (e *BreachEvaluator) evaluateOpen(ctx context.Context, device *domain.Device, open *domain.Breach, temperature float64, observedAt time.Time) (*Result, error) {
	breached, _ := isBreached(temperature, open.ThresholdMin, open.ThresholdMax)
	elapsed := observedAt.Sub(open.StartTime)

	if breached {
		if !open.MoreExtreme(temperature) {
			e.logger.Debug("Breach ongoing",
				zap.String("device_id", device.DeviceID),
				zap.String("breach_id", open.BreachID),
				zap.Float64("temperature", temperature),
				zap.Duration("elapsed", elapsed),
			)
			return &Result{Outcome: OutcomeOngoing, Breach: open, Elapsed: elapsed}, nil
		}

		if err := e.store.UpdateBreachPeak(ctx, open.BreachID, temperature); err != nil {
			return nil, fmt.Errorf("failed to update breach peak: %w", err)
		}
		open.PeakTemperature = temperature
		e.logger.Debug("Breach peak updated",
			zap.String("device_id", device.DeviceID),
			zap.String("breach_id", open.BreachID),
			zap.Float64("peak_temperature", temperature),
			zap.Duration("elapsed", elapsed),
		)
		return &Result{Outcome: OutcomePeakUpdated, Breach: open, Elapsed: elapsed}, nil
	}

	endTime := observedAt
	if endTime.Before(open.StartTime) {
		endTime = open.StartTime
	}
	resolved := *open
	resolved.Resolve(endTime, temperature)
	if err := e.store.ResolveBreach(ctx, &resolved); err != nil {
		return nil, fmt.Errorf("failed to resolve breach: %w", err)
	}

	e.logger.Info("Breach resolved",
		zap.String("device_id", device.DeviceID),
		zap.String("breach_id", resolved.BreachID),
		zap.String("breach_type", string(resolved.BreachType)),
		zap.Float64("peak_temperature", resolved.PeakTemperature),
		zap.Float64("end_temperature", temperature),
		zap.Float64("duration_seconds", *resolved.Duration),
	)
	e.publish(ctx, EventBreachResolved, &resolved)
	return &Result{Outcome: OutcomeResolved, Breach: &resolved, Elapsed: endTime.Sub(resolved.StartTime)}, nil
}

// evaluateNormal NORMAL 状态：用设备当前阈值判断是否开始新 episode
func (e *BreachEvaluator) evaluateNormal(ctx context.Context, device *domain.Device, temperature float64, observedAt time.Time) (*Result, error) {
	breached := false
	var breachType domain.BreachType
	if device.HasThresholds() {
		breached, breachType = isBreached(temperature, *device.ThresholdMin, *device.ThresholdMax)
	}

	if !breached {
		if device.IsCurrentlyInBreach {
			if err := e.store.SetDeviceBreachState(ctx, device.DeviceID, nil); err != nil {
				return nil, fmt.Errorf("failed to reset device breach state: %w", err)
			}
		}
		if !device.HasThresholds() {
			return &Result{Outcome: OutcomeSkipped}, nil
		}
		return &Result{Outcome: OutcomeNormal}, nil
	}

	breach := &domain.Breach{
		BreachID:         e.newID(),
		DeviceID:         device.DeviceID,
		DeviceName:       device.Name,
		Location:         device.Location,
		StartTime:        observedAt,
		StartTemperature: temperature,
		PeakTemperature:  temperature,
		ThresholdMin:     *device.ThresholdMin,
		ThresholdMax:     *device.ThresholdMax,
		BreachType:       breachType,
		IsResolved:       false,
		CreatedAt:        observedAt,
	}
	if err := e.store.OpenBreach(ctx, breach); err != nil {
		return nil, fmt.Errorf("failed to open breach: %w", err)
	}

	e.logger.Info("Breach opened",
		zap.String("device_id", device.DeviceID),
		zap.String("breach_id", breach.BreachID),
		zap.String("breach_type", string(breachType)),
		zap.Float64("temperature", temperature),
		zap.Float64("threshold_min", breach.ThresholdMin),
		zap.Float64("threshold_max", breach.ThresholdMax),
	)
	e.publish(ctx, EventBreachOpened, breach)
	return &Result{Outcome: OutcomeOpened, Breach: breach}, nil
}

func (e *BreachEvaluator) publish(ctx context.Context, event string, breach *domain.Breach) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishBreachEvent(ctx, event, breach); err != nil {
		e.logger.Warn("Failed to publish breach event",
			zap.String("event", event),
			zap.String("breach_id", breach.BreachID),
			zap.Error(err),
		)
	}
}
