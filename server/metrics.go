package server

import (
	"expvar"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector is responsible for periodically collecting system-level metrics
// like CPU and memory usage and publishing them via expvar.
type SystemCollector struct {
	cpuUsagePercent expvar.Float
	memUsagePercent expvar.Float
	load1           expvar.Float
	goroutines      expvar.Int
	interval        time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a new collector.
func NewSystemCollector(interval time.Duration, logger *slog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemCollector{
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
}

// Publish exposes the collected values as an expvar map under name.
// It reports false if the name is already taken.
func (sc *SystemCollector) Publish(name string) bool {
	if expvar.Get(name) != nil {
		return false
	}
	vars := new(expvar.Map).Init()
	vars.Set("cpu_usage_percent", &sc.cpuUsagePercent)
	vars.Set("mem_usage_percent", &sc.memUsagePercent)
	vars.Set("load1", &sc.load1)
	vars.Set("goroutines", &sc.goroutines)
	expvar.Publish(name, vars)
	return true
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.logger.Info("Stopping system metrics collector")
	close(sc.stopChan)
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collect() {
	// A zero interval compares against the previous call instead of blocking.
	if cpuPercentages, err := cpu.Percent(0, false); err == nil && len(cpuPercentages) > 0 {
		sc.cpuUsagePercent.Set(cpuPercentages[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	if avg, err := load.Avg(); err == nil {
		sc.load1.Set(avg.Load1)
	}
	sc.goroutines.Set(int64(runtime.NumGoroutine()))
}
