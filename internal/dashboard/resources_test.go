package dashboard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"orderflow/logger"
)

// stubCollectors replaces the host probes with deterministic fakes for the
// duration of the test. The cpu fake keeps the interval pacing.
func stubCollectors(t *testing.T) *atomic.Int32 {
	t.Helper()
	saved := collectors
	t.Cleanup(func() { collectors = saved })

	cpuCalls := &atomic.Int32{}
	collectors.cpu = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		cpuCalls.Add(1)
		time.Sleep(interval)
		return []float64{37.5}, nil
	}
	collectors.mem = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 512, Total: 4096, UsedPercent: 12.5}, nil
	}
	collectors.disk = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 9000, Total: 30000, UsedPercent: 30}, nil
	}
	collectors.net = func(ctx context.Context) ([]gnet.IOCountersStat, error) {
		return []gnet.IOCountersStat{{BytesSent: 111, BytesRecv: 222}}, nil
	}
	return cpuCalls
}

func TestResourceSamplerRecordsHostSamples(t *testing.T) {
	cpuCalls := stubCollectors(t)
	sampler := newResourceSampler(3, 10*time.Millisecond, "/", logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)

	deadline := time.Now().Add(250 * time.Millisecond)
	for len(sampler.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no sample collected before the deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) == 0 {
		t.Fatal("want at least one snapshot after stop")
	}
	if len(snapshots) > 3 {
		t.Fatalf("history limit not applied: %d snapshots", len(snapshots))
	}

	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 37.5 || latest.MemoryPct != 12.5 || latest.DiskPct != 30 {
		t.Fatalf("snapshot fields wrong: %#v", latest)
	}
	if latest.NetSent != 111 || latest.NetRecv != 222 {
		t.Fatalf("net counters wrong: %#v", latest)
	}
	if cpuCalls.Load() == 0 {
		t.Fatal("cpu probe was never invoked")
	}
}

func TestResourceSamplerStartIsIdempotent(t *testing.T) {
	stubCollectors(t)
	sampler := newResourceSampler(2, 5*time.Millisecond, "/", logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler.start(ctx)
	sampler.start(ctx)

	cancel()
	sampler.stop()
	sampler.stop()
}
