// Package httpmetrics records OpenCensus request metrics for an HTTP handler.
package httpmetrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyRoute  = tag.MustNewKey("route")
	keyMethod = tag.MustNewKey("method")
	keyStatus = tag.MustNewKey("status")
)

type Wrapper struct {
	requestCount     *stats.Int64Measure
	requestLatency   *stats.Float64Measure
	requestCountView *view.View
	latencyView      *view.View

	// route maps a request to a bounded tag value.
	route func(r *http.Request) string

	inner http.Handler
}

// New wraps inner.  Requests are tagged with the path as registered on mux,
// so that query strings and unknown paths do not explode tag cardinality.
func New(inner http.Handler, mux *http.ServeMux) *Wrapper {
	r := &Wrapper{}

	r.requestCount = stats.Int64("pillbox/requests", "Requests handled", stats.UnitDimensionless)
	r.requestLatency = stats.Float64("pillbox/request_latency", "Request latency", stats.UnitMilliseconds)

	tagKeys := []tag.Key{keyRoute, keyMethod, keyStatus}
	r.requestCountView = &view.View{
		Name:        "requests",
		Description: "Counter of requests that have been handled",
		TagKeys:     tagKeys,
		Measure:     r.requestCount,
		Aggregation: view.Count(),
	}
	r.latencyView = &view.View{
		Name:        "request_latency",
		Description: "Distribution of request latencies",
		TagKeys:     tagKeys,
		Measure:     r.requestLatency,
		Aggregation: view.Distribution(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	}

	r.route = func(req *http.Request) string {
		if mux == nil {
			return req.URL.Path
		}
		_, pattern := mux.Handler(req)
		if pattern == "" {
			return "unmatched"
		}
		return pattern
	}

	r.inner = inner

	return r
}

func (h *Wrapper) RegisterMetrics() error {
	return view.Register(h.requestCountView, h.latencyView)
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the wrapped writer, for websocket upgrades.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (h *Wrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	h.inner.ServeHTTP(rec, r)

	latency := time.Since(start)
	route := h.route(r)

	glog.V(1).Infof("Served method=%s path=%q status=%d latency=%v", r.Method, r.URL.Path, rec.status, latency)

	stats.RecordWithOptions(
		r.Context(),
		stats.WithTags(
			tag.Insert(keyRoute, route),
			tag.Insert(keyMethod, r.Method),
			tag.Insert(keyStatus, strconv.Itoa(rec.status)),
		),
		stats.WithMeasurements(
			h.requestCount.M(1),
			h.requestLatency.M(float64(latency)/float64(time.Millisecond)),
		))
}
