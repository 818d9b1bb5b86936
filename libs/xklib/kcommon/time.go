package kcommon

import (
	"context"
	"sync/atomic"
	"time"
)

var currentTimeProvider TimeProvider = NewSystemTimeProvider()

type TimeProvider interface {
	GetWallTimeMs() int64
	GetMonoTimeMs() int64
	// SleepMs returns early when ctx is done.
	SleepMs(ctx context.Context, ms int)
}

// RunWithTimeProvider swaps the process time provider for the duration of fn.
func RunWithTimeProvider(tp TimeProvider, fn func()) {
	old := currentTimeProvider
	currentTimeProvider = tp
	defer func() {
		currentTimeProvider = old
	}()
	fn()
}

func GetTimeProvider() TimeProvider {
	return currentTimeProvider
}

func GetWallTimeMs() int64 {
	return currentTimeProvider.GetWallTimeMs()
}

func GetMonoTimeMs() int64 {
	return currentTimeProvider.GetMonoTimeMs()
}

func SleepMs(ctx context.Context, ms int) {
	currentTimeProvider.SleepMs(ctx, ms)
}

// SystemTimeProvider implements TimeProvider with the real clock.
type SystemTimeProvider struct {
	startTime time.Time
}

func NewSystemTimeProvider() *SystemTimeProvider {
	return &SystemTimeProvider{startTime: time.Now()}
}

func (provider *SystemTimeProvider) GetWallTimeMs() int64 {
	return time.Now().UnixMilli()
}

func (provider *SystemTimeProvider) GetMonoTimeMs() int64 {
	return time.Since(provider.startTime).Milliseconds()
}

func (provider *SystemTimeProvider) SleepMs(ctx context.Context, ms int) {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// MockTimeProvider never blocks: SleepMs just moves the clock forward.
// Safe for concurrent use.
type MockTimeProvider struct {
	wallTime atomic.Int64
	monoTime atomic.Int64
	sleeps   atomic.Int64
}

func NewMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{}
}

func (provider *MockTimeProvider) GetWallTimeMs() int64 {
	return provider.wallTime.Load()
}

func (provider *MockTimeProvider) GetMonoTimeMs() int64 {
	return provider.monoTime.Load()
}

func (provider *MockTimeProvider) SetTimeMs(timeMs int64) *MockTimeProvider {
	provider.monoTime.Store(timeMs)
	provider.wallTime.Store(timeMs)
	return provider
}

func (provider *MockTimeProvider) AddTimeMs(diffMs int64) *MockTimeProvider {
	provider.monoTime.Add(diffMs)
	provider.wallTime.Add(diffMs)
	return provider
}

func (provider *MockTimeProvider) SleepMs(ctx context.Context, ms int) {
	provider.sleeps.Add(1)
	provider.AddTimeMs(int64(ms))
}

// SleepCount is how many times SleepMs was called.
func (provider *MockTimeProvider) SleepCount() int64 {
	return provider.sleeps.Load()
}
