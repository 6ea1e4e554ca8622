package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bruhslowed/TDashboard/internal/domain"
	"github.com/bruhslowed/TDashboard/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

func floatPtr(f float64) *float64 { return &f }

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *recordingPublisher) PublishBreachEvent(_ context.Context, event string, breach *domain.Breach) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event+":"+breach.DeviceID)
	return p.err
}

func (p *recordingPublisher) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func newTestEvaluator(t *testing.T, thresholds map[string][2]float64) (*BreachEvaluator, *repository.MemoryStore, *recordingPublisher) {
	t.Helper()
	store := repository.NewMemoryStore()
	for id, th := range thresholds {
		require.NoError(t, store.CreateDevice(context.Background(), &domain.Device{
			DeviceID:     id,
			Name:         "Sensor " + id,
			Location:     "Lab",
			ThresholdMin: floatPtr(th[0]),
			ThresholdMax: floatPtr(th[1]),
		}))
	}
	pub := &recordingPublisher{}
	return NewBreachEvaluator(store, pub, zap.NewNop()), store, pub
}

func evaluateAll(t *testing.T, e *BreachEvaluator, deviceID string, samples []float64, times []time.Time) []*Result {
	t.Helper()
	results := make([]*Result, 0, len(samples))
	for i, temp := range samples {
		r, err := e.Evaluate(context.Background(), deviceID, temp, times[i])
		require.NoError(t, err)
		results = append(results, r)
	}
	return results
}

// assertInvariants 每个设备至多一条未解决 breach，且与 isCurrentlyInBreach 一致
func assertInvariants(t *testing.T, store *repository.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	devices, err := store.ListDevices(ctx)
	require.NoError(t, err)
	for _, d := range devices {
		open, err := store.ListOpenBreaches(ctx, d.DeviceID)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(open), 1, "device %s", d.DeviceID)
		assert.Equal(t, len(open) == 1, d.IsCurrentlyInBreach, "device %s", d.DeviceID)
		if len(open) == 1 {
			require.NotNil(t, d.BreachStartTime)
			assert.Equal(t, open[0].StartTime, *d.BreachStartTime)
		}
	}
}

func TestEvaluate_ScenarioA_TooHotEpisode(t *testing.T) {
	e, store, pub := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})

	results := evaluateAll(t, e, "esp-01",
		[]float64{25, 32, 35, 29},
		[]time.Time{at(0), at(10), at(20), at(30)})

	assert.Equal(t, OutcomeNormal, results[0].Outcome)
	assert.Equal(t, OutcomeOpened, results[1].Outcome)
	assert.Equal(t, OutcomePeakUpdated, results[2].Outcome)
	assert.Equal(t, 10*time.Second, results[2].Elapsed)
	assert.Equal(t, OutcomeResolved, results[3].Outcome)

	breaches, err := store.ListBreaches(context.Background(), repository.BreachFilters{DeviceID: "esp-01"})
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	b := breaches[0]
	assert.Equal(t, domain.BreachTooHot, b.BreachType)
	assert.Equal(t, at(10), b.StartTime)
	assert.Equal(t, 32.0, b.StartTemperature)
	assert.Equal(t, 35.0, b.PeakTemperature)
	assert.Equal(t, 18.0, b.ThresholdMin)
	assert.Equal(t, 30.0, b.ThresholdMax)
	assert.Equal(t, "Sensor esp-01", b.DeviceName)
	assert.True(t, b.IsResolved)
	require.NotNil(t, b.EndTime)
	assert.Equal(t, at(30), *b.EndTime)
	assert.Equal(t, 29.0, *b.EndTemperature)
	assert.Equal(t, 20.0, *b.Duration)
	assert.Equal(t, b.EndTime.Sub(b.StartTime).Seconds(), *b.Duration)

	d, _ := store.GetDevice(context.Background(), "esp-01")
	assert.False(t, d.IsCurrentlyInBreach)
	assert.Nil(t, d.BreachStartTime)
	assertInvariants(t, store)

	assert.Equal(t, []string{"opened:esp-01", "resolved:esp-01"}, pub.Events())
}

func TestEvaluate_ScenarioB_NoBreach(t *testing.T) {
	e, store, pub := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})

	results := evaluateAll(t, e, "esp-01",
		[]float64{25, 26, 24, 18, 30},
		[]time.Time{at(0), at(1), at(2), at(3), at(4)})

	for _, r := range results {
		assert.Equal(t, OutcomeNormal, r.Outcome)
	}
	breaches, _ := store.ListBreaches(context.Background(), repository.BreachFilters{})
	assert.Empty(t, breaches)
	assert.Empty(t, pub.Events())
}

func TestEvaluate_ScenarioC_NoThresholds(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.CreateDevice(ctx, &domain.Device{DeviceID: "esp-01", Name: "bare"}))
	require.NoError(t, store.CreateDevice(ctx, &domain.Device{DeviceID: "esp-02", Name: "half", ThresholdMax: floatPtr(30)}))
	e := NewBreachEvaluator(store, nil, nil)

	for i, temp := range []float64{-40, 100, 25, 1000} {
		for _, id := range []string{"esp-01", "esp-02"} {
			r, err := e.Evaluate(ctx, id, temp, at(i))
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, r.Outcome)
		}
	}

	breaches, _ := store.ListBreaches(ctx, repository.BreachFilters{})
	assert.Empty(t, breaches)
	d, _ := store.GetDevice(ctx, "esp-01")
	assert.False(t, d.IsCurrentlyInBreach)
}

func TestEvaluate_ScenarioD_TooColdEpisode(t *testing.T) {
	e, store, _ := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})

	results := evaluateAll(t, e, "esp-01",
		[]float64{10, 12, 9, 20},
		[]time.Time{at(0), at(5), at(10), at(45)})

	assert.Equal(t, OutcomeOpened, results[0].Outcome)
	assert.Equal(t, OutcomeOngoing, results[1].Outcome)
	assert.Equal(t, OutcomePeakUpdated, results[2].Outcome)
	assert.Equal(t, OutcomeResolved, results[3].Outcome)

	breaches, _ := store.ListBreaches(context.Background(), repository.BreachFilters{})
	require.Len(t, breaches, 1)
	b := breaches[0]
	assert.Equal(t, domain.BreachTooCold, b.BreachType)
	assert.Equal(t, 10.0, b.StartTemperature)
	assert.Equal(t, 9.0, b.PeakTemperature)
	assert.Equal(t, 20.0, *b.EndTemperature)
	assert.Equal(t, 45.0, *b.Duration)
	assertInvariants(t, store)
}

func TestEvaluate_ScenarioE_IndependentDevices(t *testing.T) {
	e, store, _ := newTestEvaluator(t, map[string][2]float64{
		"esp-01": {18, 30},
		"esp-02": {18, 30},
	})
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "esp-01", 31, at(0))
	require.NoError(t, err)
	_, err = e.Evaluate(ctx, "esp-02", 15, at(1))
	require.NoError(t, err)
	_, err = e.Evaluate(ctx, "esp-01", 40, at(2))
	require.NoError(t, err)

	open1, _ := store.ListOpenBreaches(ctx, "esp-01")
	open2, _ := store.ListOpenBreaches(ctx, "esp-02")
	require.Len(t, open1, 1)
	require.Len(t, open2, 1)
	assert.NotEqual(t, open1[0].BreachID, open2[0].BreachID)
	assert.Equal(t, 40.0, open1[0].PeakTemperature)
	assert.Equal(t, 15.0, open2[0].PeakTemperature)
	assert.Equal(t, domain.BreachTooCold, open2[0].BreachType)
	assertInvariants(t, store)
}

func TestEvaluate_MonotonicPeak(t *testing.T) {
	e, store, _ := newTestEvaluator(t, map[string][2]float64{"hot": {18, 30}, "cold": {18, 30}})
	ctx := context.Background()

	hot := []float64{31, 33, 32, 36, 34, 36, 35}
	cold := []float64{17, 15, 16, 12, 14, 12, 13}
	lastHot, lastCold := hot[0], cold[0]
	for i := range hot {
		_, err := e.Evaluate(ctx, "hot", hot[i], at(i))
		require.NoError(t, err)
		_, err = e.Evaluate(ctx, "cold", cold[i], at(i))
		require.NoError(t, err)

		h, _ := store.ListOpenBreaches(ctx, "hot")
		c, _ := store.ListOpenBreaches(ctx, "cold")
		require.Len(t, h, 1)
		require.Len(t, c, 1)
		assert.GreaterOrEqual(t, h[0].PeakTemperature, lastHot)
		assert.LessOrEqual(t, c[0].PeakTemperature, lastCold)
		lastHot, lastCold = h[0].PeakTemperature, c[0].PeakTemperature
	}
	assert.Equal(t, 36.0, lastHot)
	assert.Equal(t, 12.0, lastCold)
}

func TestEvaluate_OppositeDirectionKeepsEpisodeOpen(t *testing.T) {
	e, store, _ := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})

	results := evaluateAll(t, e, "esp-01",
		[]float64{35, 5},
		[]time.Time{at(0), at(1)})

	assert.Equal(t, OutcomeOpened, results[0].Outcome)
	assert.Equal(t, OutcomeOngoing, results[1].Outcome)

	open, _ := store.ListOpenBreaches(context.Background(), "esp-01")
	require.Len(t, open, 1)
	assert.Equal(t, domain.BreachTooHot, open[0].BreachType)
	assert.Equal(t, 35.0, open[0].PeakTemperature)
}

func TestEvaluate_InvertedThresholdsPreferTooHot(t *testing.T) {
	e, store, _ := newTestEvaluator(t, map[string][2]float64{"esp-01": {30, 18}})

	r, err := e.Evaluate(context.Background(), "esp-01", 25, at(0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, r.Outcome)
	assert.Equal(t, domain.BreachTooHot, r.Breach.BreachType)
	assertInvariants(t, store)
}

func TestEvaluate_SnapshotThresholdsDuringEpisode(t *testing.T) {
	e, store, _ := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "esp-01", 32, at(0))
	require.NoError(t, err)

	// 阈值放宽到 40 后，31 仍按快照 [18, 30] 判定为越限
	wider := floatPtr(40)
	_, err = store.UpdateDevice(ctx, "esp-01", domain.DeviceUpdate{ThresholdMax: &wider})
	require.NoError(t, err)

	r, err := e.Evaluate(ctx, "esp-01", 31, at(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOngoing, r.Outcome)

	// 清空阈值后 episode 仍能结束
	var cleared *float64
	_, err = store.UpdateDevice(ctx, "esp-01", domain.DeviceUpdate{ThresholdMin: &cleared, ThresholdMax: &cleared})
	require.NoError(t, err)

	r, err = e.Evaluate(ctx, "esp-01", 25, at(5))
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, r.Outcome)
	assert.Equal(t, 5.0, *r.Breach.Duration)
	assertInvariants(t, store)

	r, err = e.Evaluate(ctx, "esp-01", 99, at(6))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, r.Outcome)
}

func TestEvaluate_UnknownDeviceSkipped(t *testing.T) {
	e, _, pub := newTestEvaluator(t, nil)

	r, err := e.Evaluate(context.Background(), "ghost", 99, at(0))

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, r.Outcome)
	assert.Empty(t, pub.Events())
}

func TestEvaluate_EmptyDeviceID(t *testing.T) {
	e, _, _ := newTestEvaluator(t, nil)

	_, err := e.Evaluate(context.Background(), "", 20, at(0))

	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEvaluate_RepeatedNormalSamplesNeverCreateBreach(t *testing.T) {
	e, store, _ := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})

	for i := 0; i < 100; i++ {
		r, err := e.Evaluate(context.Background(), "esp-01", 18+float64(i%13), at(i))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNormal, r.Outcome)
	}
	breaches, _ := store.ListBreaches(context.Background(), repository.BreachFilters{})
	assert.Empty(t, breaches)
}

func TestEvaluate_TimestampsTruncatedToMillisecond(t *testing.T) {
	e, _, _ := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})
	ctx := context.Background()
	local := time.FixedZone("UTC+8", 8*3600)

	start := t0.Add(123456789 * time.Nanosecond).In(local)
	r, err := e.Evaluate(ctx, "esp-01", 31, start)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, r.Breach.StartTime.Location())
	assert.Equal(t, t0.Add(123*time.Millisecond), r.Breach.StartTime)

	r, err = e.Evaluate(ctx, "esp-01", 25, t0.Add(2500999999*time.Nanosecond))
	require.NoError(t, err)
	assert.InDelta(t, 2.377, *r.Breach.Duration, 1e-9)
	assert.Equal(t, r.Breach.EndTime.Sub(r.Breach.StartTime).Seconds(), *r.Breach.Duration)
}

func TestEvaluate_SameDeviceConcurrent(t *testing.T) {
	e, store, pub := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.Evaluate(ctx, "esp-01", 31+float64(i%7), at(0)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	breaches, _ := store.ListBreaches(ctx, repository.BreachFilters{})
	require.Len(t, breaches, 1)
	assert.Equal(t, 37.0, breaches[0].PeakTemperature)
	assert.Equal(t, []string{"opened:esp-01"}, pub.Events())
	assertInvariants(t, store)
	assert.Equal(t, 0, e.locks.size())
}

func TestEvaluate_ManyDevicesConcurrent(t *testing.T) {
	thresholds := map[string][2]float64{}
	for i := 0; i < 10; i++ {
		thresholds[fmt.Sprintf("esp-%02d", i)] = [2]float64{18, 30}
	}
	e, store, _ := newTestEvaluator(t, thresholds)
	ctx := context.Background()

	var wg sync.WaitGroup
	for id := range thresholds {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i, temp := range []float64{25, 31, 33, 29, 10, 11, 20} {
				_, err := e.Evaluate(ctx, id, temp, at(i))
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	breaches, _ := store.ListBreaches(ctx, repository.BreachFilters{})
	assert.Len(t, breaches, 20)
	for _, b := range breaches {
		assert.True(t, b.IsResolved)
	}
	assertInvariants(t, store)
}

// ============================================
// 实时状态与记录不一致的修复
// ============================================

func TestEvaluate_FlagWithoutRecord(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	store := repository.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"esp-01", "esp-02"} {
		require.NoError(t, store.CreateDevice(ctx, &domain.Device{
			DeviceID: id, Name: id, ThresholdMin: floatPtr(18), ThresholdMax: floatPtr(30),
		}))
		stale := at(-60)
		require.NoError(t, store.SetDeviceBreachState(ctx, id, &stale))
	}
	e := NewBreachEvaluator(store, nil, zap.New(core))

	// 正常读数：只复位标志
	r, err := e.Evaluate(ctx, "esp-01", 25, at(0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNormal, r.Outcome)

	// 越限读数：开新 episode，startTime 为本次观测时间
	r, err = e.Evaluate(ctx, "esp-02", 35, at(0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, r.Outcome)
	assert.Equal(t, at(0), r.Breach.StartTime)

	assertInvariants(t, store)
	assert.Equal(t, 2, logs.FilterMessage("Device flagged in breach but has no open breach record").Len())
}

func TestEvaluate_RecordWinsOverNormalFlag(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	e, store, _ := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})
	e.logger = zap.New(core)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "esp-01", 32, at(0))
	require.NoError(t, err)
	require.NoError(t, store.SetDeviceBreachState(ctx, "esp-01", nil))

	r, err := e.Evaluate(ctx, "esp-01", 34, at(10))
	require.NoError(t, err)
	assert.Equal(t, OutcomePeakUpdated, r.Outcome)

	d, _ := store.GetDevice(ctx, "esp-01")
	assert.True(t, d.IsCurrentlyInBreach)
	assert.Equal(t, at(0), *d.BreachStartTime)
	assertInvariants(t, store)
	assert.Equal(t, 1, logs.FilterMessage("Open breach record exists but device is flagged normal, re-flagging device").Len())
}

// duplicateOpenStore 模拟同一设备存在两条未解决 breach
type duplicateOpenStore struct {
	*repository.MemoryStore
	stale *domain.Breach
}

func (s *duplicateOpenStore) ListOpenBreaches(ctx context.Context, deviceID string) ([]*domain.Breach, error) {
	open, err := s.MemoryStore.ListOpenBreaches(ctx, deviceID)
	if err != nil || len(open) == 0 {
		return open, err
	}
	return append(open, s.stale), nil
}

func TestEvaluate_MultipleOpenBreachesUsesMostRecent(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	mem := repository.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.CreateDevice(ctx, &domain.Device{
		DeviceID: "esp-01", Name: "esp-01", ThresholdMin: floatPtr(18), ThresholdMax: floatPtr(30),
	}))
	store := &duplicateOpenStore{
		MemoryStore: mem,
		stale: &domain.Breach{
			BreachID: "stale", DeviceID: "esp-01", StartTime: at(-3600),
			StartTemperature: 40, PeakTemperature: 40, ThresholdMin: 18, ThresholdMax: 30,
			BreachType: domain.BreachTooHot,
		},
	}
	e := NewBreachEvaluator(store, nil, zap.New(core))

	opened, err := e.Evaluate(ctx, "esp-01", 31, at(0))
	require.NoError(t, err)
	require.Equal(t, OutcomeOpened, opened.Outcome)

	r, err := e.Evaluate(ctx, "esp-01", 20, at(30))
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, r.Outcome)
	assert.Equal(t, opened.Breach.BreachID, r.Breach.BreachID)
	assert.Equal(t, 30.0, *r.Breach.Duration)
	assert.Equal(t, 1, logs.FilterMessage("Multiple open breaches for one device, using the most recent").Len())
}

// ============================================
// 存储 / 发布失败
// ============================================

type failingStore struct {
	*repository.MemoryStore
	failOpen    bool
	failResolve bool
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) OpenBreach(ctx context.Context, b *domain.Breach) error {
	if s.failOpen {
		return errStoreDown
	}
	return s.MemoryStore.OpenBreach(ctx, b)
}

func (s *failingStore) ResolveBreach(ctx context.Context, b *domain.Breach) error {
	if s.failResolve {
		return errStoreDown
	}
	return s.MemoryStore.ResolveBreach(ctx, b)
}

func TestEvaluate_PersistenceFailureDoesNotAdvanceState(t *testing.T) {
	mem := repository.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.CreateDevice(ctx, &domain.Device{
		DeviceID: "esp-01", Name: "esp-01", ThresholdMin: floatPtr(18), ThresholdMax: floatPtr(30),
	}))
	store := &failingStore{MemoryStore: mem, failOpen: true}
	pub := &recordingPublisher{}
	e := NewBreachEvaluator(store, pub, zap.NewNop())

	_, err := e.Evaluate(ctx, "esp-01", 35, at(0))
	assert.ErrorIs(t, err, errStoreDown)
	d, _ := mem.GetDevice(ctx, "esp-01")
	assert.False(t, d.IsCurrentlyInBreach)

	store.failOpen = false
	_, err = e.Evaluate(ctx, "esp-01", 35, at(1))
	require.NoError(t, err)

	store.failResolve = true
	_, err = e.Evaluate(ctx, "esp-01", 20, at(2))
	assert.ErrorIs(t, err, errStoreDown)
	open, _ := mem.ListOpenBreaches(ctx, "esp-01")
	assert.Len(t, open, 1)

	assert.Equal(t, []string{"opened:esp-01"}, pub.Events())
	assertInvariants(t, mem)
}

func TestEvaluate_PublishFailureIsNotFatal(t *testing.T) {
	e, store, pub := newTestEvaluator(t, map[string][2]float64{"esp-01": {18, 30}})
	pub.err = errors.New("redis down")

	r, err := e.Evaluate(context.Background(), "esp-01", 31, at(0))

	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, r.Outcome)
	assertInvariants(t, store)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same key must block")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	unlockB()
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 5*time.Millisecond)
}
