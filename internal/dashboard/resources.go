package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"orderflow/logger"
)

// resourceSnapshot is a single sample of host utilisation. Net counters are
// cumulative since boot, matching what gopsutil reports.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
	NetSent     uint64    `json:"net_sent"`
	NetRecv     uint64    `json:"net_recv"`
}

// collectors are the host probes behind the sampler, swapped in tests so they
// never touch the real host.
var collectors = struct {
	cpu  func(ctx context.Context, interval time.Duration) ([]float64, error)
	mem  func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	disk func(ctx context.Context, path string) (*disk.UsageStat, error)
	net  func(ctx context.Context) ([]gnet.IOCountersStat, error)
}{
	cpu: func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	},
	mem:  mem.VirtualMemoryWithContext,
	disk: disk.UsageWithContext,
	net: func(ctx context.Context) ([]gnet.IOCountersStat, error) {
		return gnet.IOCountersWithContext(ctx, false)
	},
}

// resourceSampler feeds /api/resources. The blocking cpu probe paces the
// sampling loop at the configured interval.
type resourceSampler struct {
	*history[resourceSnapshot]
	interval time.Duration
	diskPath string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		history:  newHistory[resourceSnapshot](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) run(ctx context.Context) {
	defer s.running.Store(false)
	for ctx.Err() == nil {
		snapshot, err := s.sample(ctx)
		if err != nil {
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample host resources")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
			continue
		}
		s.add(snapshot)
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := collectors.cpu(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, err
	}
	memStats, err := collectors.mem(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	diskStats, err := collectors.disk(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, err
	}

	snapshot := resourceSnapshot{
		Timestamp:   time.Now(),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPct:     diskStats.UsedPercent,
	}
	if len(cpuSamples) > 0 {
		snapshot.CPUPercent = cpuSamples[0]
	}

	// Net counters are best effort; a platform without them still yields a
	// usable sample.
	if counters, err := collectors.net(ctx); err == nil && len(counters) > 0 {
		snapshot.NetSent = counters[0].BytesSent
		snapshot.NetRecv = counters[0].BytesRecv
	}

	return snapshot, nil
}
