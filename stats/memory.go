package stats

import (
	"sort"
	"strings"
	"sync"
)

// MemoryStatsFactory keeps every stat in process memory.  It is mostly
// useful in tests, where the recorded values can be read back.
type MemoryStatsFactory struct {
	mutex     sync.Mutex
	counters  map[string]*memoryValue
	gauges    map[string]*memoryValue
	summaries map[string]*memorySummary
}

func NewMemoryStatsFactory() *MemoryStatsFactory {
	return &MemoryStatsFactory{
		counters:  make(map[string]*memoryValue),
		gauges:    make(map[string]*memoryValue),
		summaries: make(map[string]*memorySummary),
	}
}

// Builds "metric{k1=v1,k2=v2}" with tags sorted by name.
func statName(metric string, tags map[string]string) string {
	if len(tags) == 0 {
		return metric
	}
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+tags[name])
	}
	return metric + "{" + strings.Join(parts, ",") + "}"
}

type memoryValue struct {
	mutex sync.Mutex
	value float64
}

func (v *memoryValue) Set(value float64) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.value = value
}

func (v *memoryValue) Get() float64 {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.value
}

func (v *memoryValue) Add(delta float64) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.value += delta
}

func (v *memoryValue) Inc()              { v.Add(1) }
func (v *memoryValue) Dec()              { v.Add(-1) }
func (v *memoryValue) Sub(delta float64) { v.Add(-delta) }

type memorySummary struct {
	mutex sync.Mutex
	count int
	sum   float64
}

func (s *memorySummary) Observe(value float64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.count++
	s.sum += value
}

func (f *MemoryStatsFactory) NewCounter(
	metric string,
	tags map[string]string) CounterStat {

	return f.value(f.counters, statName(metric, tags))
}

func (f *MemoryStatsFactory) NewGauge(
	metric string,
	tags map[string]string) GaugeStat {

	return f.value(f.gauges, statName(metric, tags))
}

func (f *MemoryStatsFactory) NewSummary(
	metric string,
	tags map[string]string) SummaryStat {

	name := statName(metric, tags)

	f.mutex.Lock()
	defer f.mutex.Unlock()

	summary, ok := f.summaries[name]
	if !ok {
		summary = &memorySummary{}
		f.summaries[name] = summary
	}
	return summary
}

func (f *MemoryStatsFactory) value(
	values map[string]*memoryValue,
	name string) *memoryValue {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	v, ok := values[name]
	if !ok {
		v = &memoryValue{}
		values[name] = v
	}
	return v
}

// Returns the current value of a counter (zero if it was never created).
func (f *MemoryStatsFactory) CounterValue(
	metric string,
	tags map[string]string) float64 {

	f.mutex.Lock()
	v, ok := f.counters[statName(metric, tags)]
	f.mutex.Unlock()

	if !ok {
		return 0
	}
	return v.Get()
}

// Returns the number of observations recorded by a summary.
func (f *MemoryStatsFactory) SummaryCount(
	metric string,
	tags map[string]string) int {

	f.mutex.Lock()
	s, ok := f.summaries[statName(metric, tags)]
	f.mutex.Unlock()

	if !ok {
		return 0
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.count
}
