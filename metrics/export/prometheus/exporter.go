package prometheus

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

type metricsSource interface {
	MetricsSnapshot() authgate.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter renders engine metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	source metricsSource
	// labels is the pre-rendered constant label list without braces, e.g. `service="api"`.
	labels string
}

// Option configures a [PrometheusExporter].
type Option func(*PrometheusExporter)

// WithConstLabels attaches labels to every sample. Keys are emitted in sorted order.
func WithConstLabels(labels map[string]string) Option {
	return func(p *PrometheusExporter) {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
		}
		p.labels = strings.Join(parts, ",")
	}
}

// NewPrometheusExporter creates a Prometheus exporter that reads from engine.
func NewPrometheusExporter(engine *authgate.Engine, opts ...Option) *PrometheusExporter {
	return NewPrometheusExporterFromSource(engine, opts...)
}

// NewPrometheusExporterFromSource creates a Prometheus exporter from any value with
// MetricsSnapshot and AuditDropped methods.
func NewPrometheusExporterFromSource(source metricsSource, opts ...Option) *PrometheusExporter {
	p := &PrometheusExporter{source: source}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handler returns an http.Handler that serves the current metrics.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		var buf bytes.Buffer
		if _, err := p.WriteTo(&buf); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = buf.WriteTo(w)
	})
}

// Render returns the current metrics, or "" when nothing has been recorded.
func (p *PrometheusExporter) Render() string {
	var b strings.Builder
	_, _ = p.WriteTo(&b)
	return b.String()
}

// WriteTo writes the current metrics to w. Nothing is written when metrics are
// disabled and no audit event was dropped.
func (p *PrometheusExporter) WriteTo(w io.Writer) (int64, error) {
	if p == nil || p.source == nil {
		return 0, nil
	}

	snap := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 && dropped == 0 {
		return 0, nil
	}

	ew := &errWriter{w: w}
	for _, def := range internaldefs.CounterDefs {
		p.counter(ew, def.Name, def.Help, snap.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		p.histogram(ew, def.Name, def.Help, snap.Histograms[def.ID])
	}
	p.counter(ew, internaldefs.AuditDropped.Name, internaldefs.AuditDropped.Help, dropped)
	return ew.n, ew.err
}

func (p *PrometheusExporter) counter(ew *errWriter, name, help string, v uint64) {
	header(ew, name, help, "counter")
	ew.printf("%s%s %d\n", name, p.labelSet(""), v)
}

func (p *PrometheusExporter) histogram(ew *errWriter, name, help string, raw []uint64) {
	cum := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))

	header(ew, name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		ew.printf("%s_bucket%s %d\n", name, p.labelSet(`le="`+le+`"`), cum[i])
	}
	ew.printf("%s_count%s %d\n", name, p.labelSet(""), cum[len(cum)-1])
	// Only bucket counts are tracked, so the sum is not known.
	ew.printf("%s_sum%s 0\n", name, p.labelSet(""))
}

// labelSet joins the constant labels with extra and wraps them in braces.
func (p *PrometheusExporter) labelSet(extra string) string {
	switch {
	case p.labels == "" && extra == "":
		return ""
	case p.labels == "":
		return "{" + extra + "}"
	case extra == "":
		return "{" + p.labels + "}"
	}
	return "{" + p.labels + "," + extra + "}"
}

func header(ew *errWriter, name, help, typ string) {
	help = strings.ReplaceAll(help, `\`, `\\`)
	help = strings.ReplaceAll(help, "\n", `\n`)
	ew.printf("# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

// errWriter keeps the first write error and the byte count.
type errWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	n, err := fmt.Fprintf(e.w, format, args...)
	e.n += int64(n)
	e.err = err
}
