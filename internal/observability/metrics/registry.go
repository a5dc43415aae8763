package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const labelSeparator = "\xff"

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	return newHistogramWith(defaultBuckets)
}

func newHistogramWith(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	// Values above the last bound only show up in the +Inf bucket via h.count.
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// family is one metric name with a fixed label set, rendered in Prometheus
// text exposition format.
type family struct {
	name    string
	help    string
	kind    string
	labels  []string
	buckets []float64

	mu         sync.Mutex
	series     map[string][]string
	counters   map[string]uint64
	histograms map[string]*histogram
}

var (
	registryMu sync.Mutex
	registry   []*family
)

func register(f *family) *family {
	f.series = make(map[string][]string)
	f.counters = make(map[string]uint64)
	f.histograms = make(map[string]*histogram)
	registryMu.Lock()
	registry = append(registry, f)
	registryMu.Unlock()
	return f
}

func newCounter(name, help string, labels ...string) *family {
	return register(&family{name: name, help: help, kind: "counter", labels: labels})
}

func newHistogramFamily(name, help string, buckets []float64, labels ...string) *family {
	return register(&family{name: name, help: help, kind: "histogram", labels: labels, buckets: buckets})
}

func (f *family) key(values []string) string {
	if len(values) != len(f.labels) {
		panic(fmt.Sprintf("metric %s expects %d labels, got %d", f.name, len(f.labels), len(values)))
	}
	key := strings.Join(values, labelSeparator)
	if _, ok := f.series[key]; !ok {
		f.series[key] = append([]string(nil), values...)
	}
	return key
}

func (f *family) inc(values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[f.key(values)]++
}

func (f *family) observe(value float64, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.key(values)
	hist := f.histograms[key]
	if hist == nil {
		hist = newHistogramWith(f.buckets)
		f.histograms[key] = hist
	}
	hist.observe(value)
}

func (f *family) labelPairs(values []string, extra ...string) string {
	pairs := make([]string, 0, len(values)+1)
	for i, v := range values {
		pairs = append(pairs, fmt.Sprintf("%s=\"%s\"", f.labels[i], escape(v)))
	}
	if len(extra) == 2 {
		pairs = append(pairs, fmt.Sprintf("%s=\"%s\"", extra[0], extra[1]))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func (f *family) write(b *strings.Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.series))
	for key := range f.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.kind)
	for _, key := range keys {
		values := f.series[key]
		if f.kind == "counter" {
			fmt.Fprintf(b, "%s%s %d\n", f.name, f.labelPairs(values), f.counters[key])
			continue
		}
		hist := f.histograms[key]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelPairs(values, "le", formatFloat(bound)), hist.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelPairs(values, "le", "+Inf"), hist.count)
		fmt.Fprintf(b, "%s_sum%s %s\n", f.name, f.labelPairs(values), formatFloat(hist.sum))
		fmt.Fprintf(b, "%s_count%s %d\n", f.name, f.labelPairs(values), hist.count)
	}
}

func render() string {
	registryMu.Lock()
	families := append([]*family(nil), registry...)
	registryMu.Unlock()

	var b strings.Builder
	b.Grow(2048)
	for _, f := range families {
		f.write(&b)
	}
	return b.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
