package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// reportCounters accumulates pipeline activity for the periodic runtime
// report. Warn and error counts are attributed to the trade or liquidation
// side by component name.
type reportCounters struct {
	errorsTrade    atomic.Int64
	errorsLiq      atomic.Int64
	warnsTrade     atomic.Int64
	warnsLiq       atomic.Int64
	tradeReads     atomic.Int64
	liqReads       atomic.Int64
	snapshotsSent  atomic.Int64
	subscriberDrop atomic.Int64
}

type channelStat struct {
	messages atomic.Int64
	bytes    atomic.Int64
}

var (
	counters reportCounters
	channels sync.Map // channel name -> *channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "trade"):
		counters.warnsTrade.Add(1)
	case strings.Contains(component, "liq"):
		counters.warnsLiq.Add(1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "trade"):
		counters.errorsTrade.Add(1)
	case strings.Contains(component, "liq"):
		counters.errorsLiq.Add(1)
	}
}

// IncrementTradeRead counts one raw trade message of the given size.
func IncrementTradeRead(size int) {
	counters.tradeReads.Add(1)
	recordChannel("trade_ws", size)
}

// IncrementLiquidationRead counts one raw liquidation message of the given size.
func IncrementLiquidationRead(size int) {
	counters.liqReads.Add(1)
	recordChannel("liquidation_ws", size)
}

func IncrementSnapshotPublish() {
	counters.snapshotsSent.Add(1)
}

func IncrementSubscriberDrop() {
	counters.subscriberDrop.Add(1)
}

// RecordChannelMessage counts a message against an arbitrary named channel.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	stat := v.(*channelStat)
	stat.messages.Add(1)
	stat.bytes.Add(int64(size))
}

// StartReport launches the periodic runtime report. Each tick logs pipeline
// counters plus host utilisation and forwards the same values to CloudWatch.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

type hostSample struct {
	cpuPct   float64
	memUsed  uint64
	diskUsed uint64
	netSent  uint64
	netRecv  uint64
}

func sampleHost() hostSample {
	var sample hostSample
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		sample.cpuPct = cpuPercent[0]
	}
	if memStats, err := mem.VirtualMemory(); err == nil {
		sample.memUsed = memStats.Used
	}
	if diskStats, err := disk.Usage("/"); err == nil {
		sample.diskUsed = diskStats.Used
	}
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		sample.netSent = netStats[0].BytesSent
		sample.netRecv = netStats[0].BytesRecv
	}
	return sample
}

func channelSnapshot() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		stat := v.(*channelStat)
		out[k.(string)] = map[string]int64{
			"messages": stat.messages.Load(),
			"bytes":    stat.bytes.Load(),
		}
		return true
	})
	return out
}

func logReport(ctx context.Context, log *Log) {
	host := sampleHost()
	channelData := channelSnapshot()

	errsTrade := counters.errorsTrade.Load()
	errsLiq := counters.errorsLiq.Load()
	warnTrade := counters.warnsTrade.Load()
	warnLiq := counters.warnsLiq.Load()
	reads := counters.tradeReads.Load()
	liqs := counters.liqReads.Load()
	snapshots := counters.snapshotsSent.Load()
	drops := counters.subscriberDrop.Load()

	log.WithComponent("report").WithFields(Fields{
		"errors_trade":     errsTrade,
		"errors_liq":       errsLiq,
		"warns_trade":      warnTrade,
		"warns_liq":        warnLiq,
		"trade_reads":      reads,
		"liq_reads":        liqs,
		"snapshots_sent":   snapshots,
		"subscriber_drops": drops,
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      host.cpuPct,
		"memory_mb":        int64(host.memUsed) / 1024 / 1024,
		"disk_mb":          int64(host.diskUsed) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(host.netSent),
		"net_bytes_recv":   int64(host.netRecv),
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		flowDatum("Flow-CPUPercent", cwtypes.StandardUnitPercent, host.cpuPct),
		flowDatum("Flow-MemoryMB", cwtypes.StandardUnitMegabytes, float64(host.memUsed)/1024/1024),
		flowDatum("Flow-DiskMB", cwtypes.StandardUnitMegabytes, float64(host.diskUsed)/1024/1024),
		flowDatum("Flow-ErrorsTrade", cwtypes.StandardUnitCount, float64(errsTrade)),
		flowDatum("Flow-ErrorsLiq", cwtypes.StandardUnitCount, float64(errsLiq)),
		flowDatum("Flow-WarnsTrade", cwtypes.StandardUnitCount, float64(warnTrade)),
		flowDatum("Flow-WarnsLiq", cwtypes.StandardUnitCount, float64(warnLiq)),
		flowDatum("Flow-TradeReads", cwtypes.StandardUnitCount, float64(reads)),
		flowDatum("Flow-LiquidationReads", cwtypes.StandardUnitCount, float64(liqs)),
		flowDatum("Flow-SnapshotsPublished", cwtypes.StandardUnitCount, float64(snapshots)),
		flowDatum("Flow-SubscriberDrops", cwtypes.StandardUnitCount, float64(drops)),
		flowDatum("Flow-NetBytesSent", cwtypes.StandardUnitBytes, float64(host.netSent)),
		flowDatum("Flow-NetBytesRecv", cwtypes.StandardUnitBytes, float64(host.netRecv)),
	}
	for name, stats := range channelData {
		data = append(data,
			channelDatum("Flow-ChannelMessages", name, cwtypes.StandardUnitCount, float64(stats["messages"])),
			channelDatum("Flow-ChannelBytes", name, cwtypes.StandardUnitBytes, float64(stats["bytes"])),
		)
	}

	publishMetrics(ctx, data)
}

func flowDatum(name string, unit cwtypes.StandardUnit, value float64) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(value)}
}

func channelDatum(name, channel string, unit cwtypes.StandardUnit, value float64) cwtypes.MetricDatum {
	datum := flowDatum(name, unit, value)
	datum.Dimensions = []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(channel)}}
	return datum
}
