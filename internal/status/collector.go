package status

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/orris-inc/bifrost/internal/registry"
)

// Status is the document served on the admin /status endpoint.
type Status struct {
	UptimeSeconds     int64          `json:"uptime_seconds"`
	HostUptimeSeconds int64          `json:"host_uptime_seconds,omitempty"`
	CPUPercent        float64        `json:"cpu_percent"`
	MemoryPercent     float64        `json:"memory_percent"`
	MemoryUsed        uint64         `json:"memory_used"`
	MemoryTotal       uint64         `json:"memory_total"`
	Goroutines        int            `json:"goroutines"`
	Registry          registry.Stats `json:"registry"`
	WSSessions        int64          `json:"ws_sessions"`
}

// RegistryStats is implemented by registry.Registry.
type RegistryStats interface {
	Stats() registry.Stats
}

// Collector collects process, host and tunnel status.
type Collector struct {
	startTime time.Time
	registry  RegistryStats
	sessions  func() int64
}

// NewCollector creates a new status collector. sessions may be nil.
func NewCollector(reg RegistryStats, sessions func() int64) *Collector {
	return &Collector{
		startTime: time.Now(),
		registry:  reg,
		sessions:  sessions,
	}
}

// Collect gathers current status. Host metrics that cannot be read are left zero.
func (c *Collector) Collect(ctx context.Context) *Status {
	status := &Status{
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if c.registry != nil {
		status.Registry = c.registry.Stats()
	}
	if c.sessions != nil {
		status.WSSessions = c.sessions()
	}

	// CPU usage since the previous call
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(cpuPercent) > 0 {
		status.CPUPercent = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		status.MemoryPercent = memInfo.UsedPercent
		status.MemoryUsed = memInfo.Used
		status.MemoryTotal = memInfo.Total
	}

	bootTime, err := host.BootTimeWithContext(ctx)
	if err == nil {
		status.HostUptimeSeconds = time.Now().Unix() - int64(bootTime)
	}

	return status
}
