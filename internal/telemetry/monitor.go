// Package telemetry periodically samples host resource usage so the
// daemon's resync back-pressure gate can read load and disk usage
// without shelling out to gopsutil itself.
package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot holds one round of collected host metrics.
type Snapshot struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
	CollectedAt      time.Time
}

// Monitor samples host resource usage on a fixed interval and keeps the
// latest Snapshot available for readers via Latest.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration
	diskPath string

	close chan struct{}
	wg    sync.WaitGroup

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewMonitor builds a Monitor sampling every interval. diskPath is the
// filesystem root to report usage for; it defaults to "/" when empty.
func NewMonitor(logger *slog.Logger, interval time.Duration, diskPath string) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &Monitor{
		logger:   logger.With("component", "telemetry"),
		interval: interval,
		diskPath: diskPath,
		close:    make(chan struct{}),
	}
}

// Start begins periodic sampling in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Latest returns the most recently collected Snapshot.
func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()

	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var s Snapshot
	s.CollectedAt = time.Now()

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		s.CPUPercent = percentage[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(m.diskPath); err == nil {
		s.DiskUsagePercent = d.UsedPercent
	} else {
		m.logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage = l.Load1
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	m.mu.Lock()
	m.snapshot = s
	m.mu.Unlock()
}
