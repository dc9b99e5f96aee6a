// Package metrics keeps the realtime counters and renders them in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
)

const (
	namespace = "realtime"

	// ContentType is the Content-Type of WriteText output.
	ContentType = "text/plain; version=0.0.4; charset=utf-8"
)

// GaugeSource reports the live connection and room counts.
type GaugeSource func() (connections, rooms int)

// Collector counts emissions, deliveries and protocol errors. The zero
// value is not usable; call NewCollector.
type Collector struct {
	deliveries     atomic.Uint64
	failures       atomic.Uint64
	protocolErrors atomic.Uint64

	mu      sync.Mutex
	emitted map[domain.EventType]uint64
	gauges  GaugeSource
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{
		emitted: make(map[domain.EventType]uint64),
	}
}

// SetGaugeSource sets where the connection and room gauges are read from
func (c *Collector) SetGaugeSource(src GaugeSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges = src
}

// RecordEmission counts one emitted event of the given type
func (c *Collector) RecordEmission(eventType domain.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted[eventType]++
}

// RecordDelivery counts one delivery attempt
func (c *Collector) RecordDelivery(failed bool) {
	c.deliveries.Add(1)
	if failed {
		c.failures.Add(1)
	}
}

// RecordProtocolError counts one error event sent to a client
func (c *Collector) RecordProtocolError() {
	c.protocolErrors.Add(1)
}

// Emitted returns the emission count for one event type
func (c *Collector) Emitted(eventType domain.EventType) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitted[eventType]
}

// Gather snapshots every metric family, sorted by name.
func (c *Collector) Gather() []*dto.MetricFamily {
	c.mu.Lock()
	types := make([]string, 0, len(c.emitted))
	counts := make(map[string]uint64, len(c.emitted))
	for t, n := range c.emitted {
		types = append(types, string(t))
		counts[string(t)] = n
	}
	gauges := c.gauges
	c.mu.Unlock()
	sort.Strings(types)

	var connections, rooms int
	if gauges != nil {
		connections, rooms = gauges()
	}

	emitted := make([]*dto.Metric, 0, len(types))
	for _, t := range types {
		emitted = append(emitted, &dto.Metric{
			Label:   []*dto.LabelPair{{Name: proto.String("type"), Value: proto.String(t)}},
			Counter: &dto.Counter{Value: proto.Float64(float64(counts[t]))},
		})
	}

	return []*dto.MetricFamily{
		gauge("connections", "Live websocket connections.", float64(connections)),
		counter("deliveries_total", "Event delivery attempts to connections.", float64(c.deliveries.Load())),
		counter("delivery_failures_total", "Delivery attempts that could not be queued.", float64(c.failures.Load())),
		{
			Name:   proto.String(namespace + "_events_emitted_total"),
			Help:   proto.String("Events emitted by type."),
			Type:   dto.MetricType_COUNTER.Enum(),
			Metric: emitted,
		},
		counter("protocol_errors_total", "Error events sent in reply to bad client commands.", float64(c.protocolErrors.Load())),
		gauge("rooms", "Rooms with at least one member.", float64(rooms)),
	}
}

// WriteText writes every metric family in the text exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range c.Gather() {
		// The text format rejects families without samples.
		if len(mf.GetMetric()) == 0 {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func gauge(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(namespace + "_" + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(value)}}},
	}
}

func counter(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(namespace + "_" + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(value)}}},
	}
}
