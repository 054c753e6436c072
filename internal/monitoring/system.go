package monitoring

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent  float64
	HeapBytes   int64
	RSSBytes    int64
	MemoryLimit int64
	Goroutines  int
	Timestamp   time.Time
}

// SystemMonitor samples process resources on a fixed interval and keeps a
// snapshot for the health endpoint. Measure once, query many times.
type SystemMonitor struct {
	proc     *process.Process
	logger   zerolog.Logger
	memLimit int64

	mu      sync.RWMutex
	metrics SystemMetrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSystemMonitor builds a monitor bound to the current process.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	sm := &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
		stopCh: make(chan struct{}),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		sm.logger.Error().Err(err).Msg("Failed to get process handle, RSS/CPU sampling disabled")
	} else {
		sm.proc = proc
	}

	if limit, err := MemoryLimit(); err == nil && limit > 0 {
		sm.memLimit = limit
		memoryLimitBytes.Set(float64(limit))
	}

	return sm
}

// Start begins periodic sampling. Stop with Shutdown.
func (sm *SystemMonitor) Start(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "systemMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.sample()
		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-sm.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the sampling goroutine and waits for it to exit.
func (sm *SystemMonitor) Shutdown() {
	close(sm.stopCh)
	sm.wg.Wait()
}

// Metrics returns a copy of the latest sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

func (sm *SystemMonitor) sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := SystemMetrics{
		HeapBytes:   int64(mem.Alloc),
		MemoryLimit: sm.memLimit,
		Goroutines:  runtime.NumGoroutine(),
		Timestamp:   time.Now(),
	}

	if sm.proc != nil {
		if memInfo, err := sm.proc.MemoryInfo(); err == nil {
			m.RSSBytes = int64(memInfo.RSS)
		}
		// Percent(0) measures usage since the previous call.
		if cpu, err := sm.proc.Percent(0); err == nil {
			m.CPUPercent = cpu
		}
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	memoryUsageBytes.Set(float64(m.HeapBytes))
	processRSSBytes.Set(float64(m.RSSBytes))
	cpuUsagePercent.Set(m.CPUPercent)
	goroutinesActive.Set(float64(m.Goroutines))

	sm.logger.Debug().
		Float64("cpu_percent", m.CPUPercent).
		Int64("heap_bytes", m.HeapBytes).
		Int64("rss_bytes", m.RSSBytes).
		Int("goroutines", m.Goroutines).
		Msg("System metrics updated")
}

// MemoryLimit returns the container memory limit in bytes from the cgroup
// filesystem. Returns 0 when no limit is set or the process is not
// containerized.
//
// Tries cgroup v2 first (/sys/fs/cgroup/memory.max, "max" means unlimited),
// then falls back to cgroup v1 (/sys/fs/cgroup/memory/memory.limit_in_bytes).
func MemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	return 0, nil
}
