package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// componentCounts tracks warn/error totals per logging component.
type componentCounts struct {
	warns  int64
	errors int64
}

var (
	components sync.Map // map[string]*componentCounts
	counters   sync.Map // map[string]*int64
)

func countsFor(component string) *componentCounts {
	v, _ := components.LoadOrStore(component, &componentCounts{})
	return v.(*componentCounts)
}

func recordWarn(component string) {
	atomic.AddInt64(&countsFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&countsFor(component).errors, 1)
}

// IncrementCounter bumps a named counter that is included in the periodic
// runtime report.
func IncrementCounter(name string, delta int64) {
	v, _ := counters.LoadOrStore(name, new(int64))
	atomic.AddInt64(v.(*int64), delta)
}

// CounterValue returns the current value of a report counter.
func CounterValue(name string) int64 {
	v, ok := counters.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// StartReport begins periodic logging of process and pipeline statistics
// until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(reportFields()).Info("runtime report")
			}
		}
	}()
}

func reportFields() Fields {
	fields := Fields{
		"goroutines": runtime.NumGoroutine(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(vm.Used) / 1024 / 1024
	}

	pipeline := map[string]int64{}
	counters.Range(func(k, v any) bool {
		pipeline[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	fields["counters"] = pipeline

	names := make([]string, 0)
	components.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	perComponent := make(map[string]map[string]int64, len(names))
	for _, name := range names {
		c := countsFor(name)
		perComponent[name] = map[string]int64{
			"warns":  atomic.LoadInt64(&c.warns),
			"errors": atomic.LoadInt64(&c.errors),
		}
	}
	fields["components"] = perComponent
	return fields
}
