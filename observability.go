package keel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type compositeObserver struct {
	observers []Observer
}

func (c compositeObserver) FrameCompleted(stats FrameStats) {
	for _, observer := range c.observers {
		observer.FrameCompleted(stats)
	}
}

func (c compositeObserver) SystemCompleted(stats SystemStats) {
	for _, observer := range c.observers {
		observer.SystemCompleted(stats)
	}
}

type loggingObserver struct {
	logger *zap.Logger
}

func newLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		return noopObserver{}
	}
	return loggingObserver{logger: logger}
}

func (o loggingObserver) FrameCompleted(stats FrameStats) {
	fields := []zap.Field{
		zap.Uint64("frame", stats.Frame),
		zap.Duration("duration", stats.Duration),
		zap.Duration("frame_setup", stats.PhaseDurations[FrameSetup]),
		zap.Duration("simulation", stats.PhaseDurations[Simulation]),
		zap.Duration("presentation", stats.PhaseDurations[Presentation]),
		zap.Int("fixed_steps", stats.FixedSteps),
		zap.Int("systems_run", stats.SystemsRun),
		zap.Int("systems_skipped", stats.SystemsSkipped),
		zap.Int("ops_applied", stats.Applied),
		zap.Int("ops_skipped", stats.SkippedOps),
	}
	if stats.Err != nil {
		o.logger.Error("frame failed", append(fields, zap.Error(stats.Err))...)
		return
	}
	o.logger.Debug("frame completed", fields...)
}

func (o loggingObserver) SystemCompleted(stats SystemStats) {
	fields := []zap.Field{
		zap.Uint64("frame", stats.Frame),
		zap.Stringer("group", stats.Group),
		zap.String("system", stats.System),
		zap.Duration("duration", stats.Duration),
		zap.Bool("skipped", stats.Skipped),
	}
	if stats.Retries > 0 {
		fields = append(fields, zap.Int("retries", stats.Retries))
	}
	if stats.Err != nil {
		fields = append(fields, zap.Error(stats.Err))
	}
	o.logger.Debug("system completed", fields...)
}

type metricsObserver struct {
	sink MetricsSink
}

func newMetricsObserver(sink MetricsSink) Observer {
	if sink == nil {
		return noopObserver{}
	}
	return metricsObserver{sink: sink}
}

func (o metricsObserver) FrameCompleted(stats FrameStats)   { o.sink.ObserveFrame(stats) }
func (o metricsObserver) SystemCompleted(stats SystemStats) { o.sink.ObserveSystem(stats) }

type spanObserver struct {
	exporter SpanExporter
}

func newSpanObserver(exporter SpanExporter) Observer {
	if exporter == nil {
		return noopObserver{}
	}
	return spanObserver{exporter: exporter}
}

func (o spanObserver) FrameCompleted(stats FrameStats) { o.exporter.ExportFrameSpan(stats) }
func (o spanObserver) SystemCompleted(SystemStats)     {}

func buildObserverChain(logger *zap.Logger, settings ObservationSettings) Observer {
	var observers []Observer

	if settings.Observer != nil {
		observers = append(observers, settings.Observer)
	}

	if settings.EnableLogging {
		obsLogger := settings.Logger
		if obsLogger == nil {
			obsLogger = logger
		}
		observers = append(observers, newLoggingObserver(obsLogger))
	}

	if settings.EnableMetrics {
		sink := settings.Metrics
		if sink == nil {
			sink = NewFrameCollector(settings.MetricsOptions)
		}
		observers = append(observers, newMetricsObserver(sink))
	}

	if settings.EnableSpans {
		exporter := settings.Spans
		if exporter == nil {
			exporter = NewSigNozSpanExporter(settings.SpanOptions)
		}
		observers = append(observers, newSpanObserver(exporter))
	}

	if len(observers) == 0 {
		return noopObserver{}
	}
	if len(observers) == 1 {
		return observers[0]
	}
	return compositeObserver{observers: observers}
}

// MetricsOptions configures the built-in frame collector.
type MetricsOptions struct {
	// DurationBuckets adds cumulative histogram buckets to the frame
	// duration series.
	DurationBuckets []time.Duration
	// Writer, when set, receives a full exposition after every frame.
	Writer io.Writer
}

// FrameCollector accumulates frame and system metrics and writes them in
// Prometheus text exposition format.
type FrameCollector struct {
	options *MetricsOptions
	mu      sync.Mutex
	frames  frameSample
	systems map[systemKey]*systemSample
}

type frameSample struct {
	durationSum   float64
	durationCount float64
	buckets       []float64
	systemsRun    float64
	skipped       float64
	errors        float64
	opsApplied    float64
	opsSkipped    float64
	fixedSteps    float64
}

type systemKey struct {
	System string
	Group  string
}

type systemSample struct {
	durationSum   float64
	durationCount float64
	skipped       float64
	retries       float64
	errors        float64
}

func NewFrameCollector(opts *MetricsOptions) *FrameCollector {
	if opts == nil {
		opts = &MetricsOptions{}
	}
	c := &FrameCollector{
		options: opts,
		systems: make(map[systemKey]*systemSample),
	}
	if len(opts.DurationBuckets) > 0 {
		c.frames.buckets = make([]float64, len(opts.DurationBuckets))
	}
	return c
}

func (c *FrameCollector) ObserveFrame(stats FrameStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	durSeconds := stats.Duration.Seconds()
	c.frames.durationSum += durSeconds
	c.frames.durationCount++
	for i := range c.frames.buckets {
		if durSeconds <= c.options.DurationBuckets[i].Seconds() {
			c.frames.buckets[i]++
		}
	}
	c.frames.systemsRun += float64(stats.SystemsRun)
	c.frames.skipped += float64(stats.SystemsSkipped)
	c.frames.opsApplied += float64(stats.Applied)
	c.frames.opsSkipped += float64(stats.SkippedOps)
	c.frames.fixedSteps += float64(stats.FixedSteps)
	if stats.Err != nil {
		c.frames.errors++
	}

	if writer := c.options.Writer; writer != nil {
		_ = c.writeMetricsLocked(writer)
	}
}

func (c *FrameCollector) ObserveSystem(stats SystemStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := systemKey{System: stats.System, Group: stats.Group.String()}
	sample, ok := c.systems[key]
	if !ok {
		sample = &systemSample{}
		c.systems[key] = sample
	}
	sample.durationSum += stats.Duration.Seconds()
	sample.durationCount++
	if stats.Skipped {
		sample.skipped++
	}
	sample.retries += float64(stats.Retries)
	if stats.Err != nil {
		sample.errors++
	}
}

func (c *FrameCollector) WriteMetrics(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeMetricsLocked(w)
}

func (c *FrameCollector) writeMetricsLocked(w io.Writer) error {
	if w == nil {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString("# HELP keel_frame_duration_seconds Frame execution duration.\n")
	if len(c.frames.buckets) > 0 {
		buf.WriteString("# TYPE keel_frame_duration_seconds histogram\n")
		for i, bucket := range c.frames.buckets {
			le := c.options.DurationBuckets[i].Seconds()
			buf.WriteString(fmt.Sprintf("keel_frame_duration_seconds_bucket{le=\"%.6f\"} %f\n", le, bucket))
		}
		buf.WriteString(fmt.Sprintf("keel_frame_duration_seconds_bucket{le=\"+Inf\"} %f\n", c.frames.durationCount))
	} else {
		buf.WriteString("# TYPE keel_frame_duration_seconds summary\n")
	}
	buf.WriteString(fmt.Sprintf("keel_frame_duration_seconds_sum %f\n", c.frames.durationSum))
	buf.WriteString(fmt.Sprintf("keel_frame_duration_seconds_count %f\n", c.frames.durationCount))

	buf.WriteString("# HELP keel_frame_systems_run_total Systems run across all frames.\n")
	buf.WriteString("# TYPE keel_frame_systems_run_total counter\n")
	buf.WriteString(fmt.Sprintf("keel_frame_systems_run_total %f\n", c.frames.systemsRun))

	buf.WriteString("# HELP keel_frame_systems_skipped_total Systems skipped across all frames.\n")
	buf.WriteString("# TYPE keel_frame_systems_skipped_total counter\n")
	buf.WriteString(fmt.Sprintf("keel_frame_systems_skipped_total %f\n", c.frames.skipped))

	buf.WriteString("# HELP keel_frame_ops_applied_total Deferred ops applied at barriers.\n")
	buf.WriteString("# TYPE keel_frame_ops_applied_total counter\n")
	buf.WriteString(fmt.Sprintf("keel_frame_ops_applied_total %f\n", c.frames.opsApplied))

	buf.WriteString("# HELP keel_frame_ops_skipped_total Deferred ops skipped for dead targets.\n")
	buf.WriteString("# TYPE keel_frame_ops_skipped_total counter\n")
	buf.WriteString(fmt.Sprintf("keel_frame_ops_skipped_total %f\n", c.frames.opsSkipped))

	buf.WriteString("# HELP keel_fixed_steps_total Fixed simulation steps executed.\n")
	buf.WriteString("# TYPE keel_fixed_steps_total counter\n")
	buf.WriteString(fmt.Sprintf("keel_fixed_steps_total %f\n", c.frames.fixedSteps))

	buf.WriteString("# HELP keel_frame_errors_total Frames that ended in error.\n")
	buf.WriteString("# TYPE keel_frame_errors_total counter\n")
	buf.WriteString(fmt.Sprintf("keel_frame_errors_total %f\n", c.frames.errors))

	keys := make([]systemKey, 0, len(c.systems))
	for key := range c.systems {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].System == keys[j].System {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].System < keys[j].System
	})

	buf.WriteString("# HELP keel_system_duration_seconds System execution duration.\n")
	buf.WriteString("# TYPE keel_system_duration_seconds summary\n")
	for _, key := range keys {
		sample := c.systems[key]
		labels := fmt.Sprintf("system=\"%s\",group=\"%s\"", key.System, key.Group)
		buf.WriteString(fmt.Sprintf("keel_system_duration_seconds_sum{%s} %f\n", labels, sample.durationSum))
		buf.WriteString(fmt.Sprintf("keel_system_duration_seconds_count{%s} %f\n", labels, sample.durationCount))
	}

	buf.WriteString("# HELP keel_system_skipped_total System skips, including error skips.\n")
	buf.WriteString("# TYPE keel_system_skipped_total counter\n")
	for _, key := range keys {
		sample := c.systems[key]
		labels := fmt.Sprintf("system=\"%s\",group=\"%s\"", key.System, key.Group)
		buf.WriteString(fmt.Sprintf("keel_system_skipped_total{%s} %f\n", labels, sample.skipped))
	}

	buf.WriteString("# HELP keel_system_retries_total System retry attempts.\n")
	buf.WriteString("# TYPE keel_system_retries_total counter\n")
	for _, key := range keys {
		sample := c.systems[key]
		labels := fmt.Sprintf("system=\"%s\",group=\"%s\"", key.System, key.Group)
		buf.WriteString(fmt.Sprintf("keel_system_retries_total{%s} %f\n", labels, sample.retries))
	}

	buf.WriteString("# HELP keel_system_errors_total System error count.\n")
	buf.WriteString("# TYPE keel_system_errors_total counter\n")
	for _, key := range keys {
		sample := c.systems[key]
		labels := fmt.Sprintf("system=\"%s\",group=\"%s\"", key.System, key.Group)
		buf.WriteString(fmt.Sprintf("keel_system_errors_total{%s} %f\n", labels, sample.errors))
	}

	_, err := w.Write(buf.Bytes())
	return err
}

var _ MetricsSink = (*FrameCollector)(nil)

// SpanExporterOptions configures the built-in span exporter.
type SpanExporterOptions struct {
	ServiceName string
	Writer      io.Writer
}

// SigNozSpanExporter emits one JSON span line per frame, shaped for a
// SigNoz ingest pipeline.
type SigNozSpanExporter struct {
	opts *SpanExporterOptions
	mu   sync.Mutex
}

func NewSigNozSpanExporter(opts *SpanExporterOptions) *SigNozSpanExporter {
	if opts == nil {
		opts = &SpanExporterOptions{}
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "keel-runtime"
	}
	return &SigNozSpanExporter{opts: opts}
}

func (e *SigNozSpanExporter) ExportFrameSpan(stats FrameStats) {
	if e.opts.Writer == nil {
		return
	}
	span := map[string]any{
		"service_name": e.opts.ServiceName,
		"name":         fmt.Sprintf("frame:%d", stats.Frame),
		"timestamp":    time.Now().UnixNano(),
		"duration_ms":  float64(stats.Duration) / float64(time.Millisecond),
		"attributes": map[string]any{
			"frame":           stats.Frame,
			"fixed_steps":     stats.FixedSteps,
			"systems_run":     stats.SystemsRun,
			"systems_skipped": stats.SystemsSkipped,
			"ops_applied":     stats.Applied,
			"ops_skipped":     stats.SkippedOps,
			"frame_setup_ms":  float64(stats.PhaseDurations[FrameSetup]) / float64(time.Millisecond),
			"simulation_ms":   float64(stats.PhaseDurations[Simulation]) / float64(time.Millisecond),
			"presentation_ms": float64(stats.PhaseDurations[Presentation]) / float64(time.Millisecond),
		},
	}
	if stats.Err != nil {
		span["error"] = stats.Err.Error()
	}
	payload, err := json.Marshal(span)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.opts.Writer.Write(append(payload, '\n'))
}

var _ SpanExporter = (*SigNozSpanExporter)(nil)
