// Copyright (c) 2017 Jared Patrick <jared.patrick@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package wsjrpc

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprome "github.com/prometheus/client_golang/prometheus"
)

// durationBuckets are in milliseconds.
var durationBuckets = []float64{1, 5, 10, 25, 50, 100, 300, 500, 1000, 3000, 5000, 10000}

// Metrics collects client side call metrics. A nil *Metrics collects nothing.
type Metrics struct {
	// Calls counts settled calls by method and outcome.
	// Duration observes call latency in milliseconds by method.
	// Pending is the size of the pending request table.
	// Connects counts connection attempts by outcome.
	// Sweeps counts global failures by error kind.
	Calls    metrics.Counter
	Duration metrics.Histogram
	Pending  metrics.Gauge
	Connects metrics.Counter
	Sweeps   metrics.Counter
}

// NewMetrics creates client metrics and registers them with reg.
func NewMetrics(reg stdprome.Registerer) *Metrics {
	calls := stdprome.NewCounterVec(stdprome.CounterOpts{
		Namespace: "wsjrpc",
		Subsystem: "client",
		Name:      "calls_total",
		Help:      "Total settled JSON-RPC calls",
	}, []string{"method", "outcome"})
	duration := stdprome.NewHistogramVec(stdprome.HistogramOpts{
		Namespace: "wsjrpc",
		Subsystem: "client",
		Name:      "call_duration_milliseconds",
		Help:      "Call duration in milliseconds from registration to settlement",
		Buckets:   durationBuckets,
	}, []string{"method"})
	pending := stdprome.NewGaugeVec(stdprome.GaugeOpts{
		Namespace: "wsjrpc",
		Subsystem: "client",
		Name:      "pending_calls",
		Help:      "Calls awaiting a response",
	}, []string{})
	connects := stdprome.NewCounterVec(stdprome.CounterOpts{
		Namespace: "wsjrpc",
		Subsystem: "client",
		Name:      "connects_total",
		Help:      "Connection attempts by outcome",
	}, []string{"outcome"})
	sweeps := stdprome.NewCounterVec(stdprome.CounterOpts{
		Namespace: "wsjrpc",
		Subsystem: "client",
		Name:      "sweeps_total",
		Help:      "Failures that failed every pending call",
	}, []string{"kind"})
	reg.MustRegister(calls, duration, pending, connects, sweeps)

	return &Metrics{
		Calls:    prometheus.NewCounter(calls),
		Duration: prometheus.NewHistogram(duration),
		Pending:  prometheus.NewGauge(pending),
		Connects: prometheus.NewCounter(connects),
		Sweeps:   prometheus.NewCounter(sweeps),
	}
}

func (m *Metrics) observeCall(method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.Calls.With("method", method, "outcome", outcome(err)).Add(1)
	m.Duration.With("method", method).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

func (m *Metrics) connect(result string) {
	if m == nil {
		return
	}
	m.Connects.With("outcome", result).Add(1)
}

func (m *Metrics) sweep(kind ErrorKind) {
	if m == nil {
		return
	}
	m.Sweeps.With("kind", kind.String()).Add(1)
}

func outcome(err error) string {
	var callErr *Error
	switch {
	case err == nil:
		return "ok"
	case stderrors.As(err, &callErr):
		return callErr.Kind.String()
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// RpcMetrics metrics collection for json rpc methods served by a Server.
type RpcMetrics struct {
	Counter   metrics.Counter
	Histogram metrics.Histogram
}

// NewRpcMetrics creates server metrics labelled by method and route and
// registers them with reg.
func NewRpcMetrics(reg stdprome.Registerer) *RpcMetrics {
	counter := stdprome.NewCounterVec(stdprome.CounterOpts{
		Namespace: "wsjrpc",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Total requests by JSON-RPC method",
	}, []string{"method", "route"})
	histogram := stdprome.NewHistogramVec(stdprome.HistogramOpts{
		Namespace: "wsjrpc",
		Subsystem: "rpc",
		Name:      "request_duration_milliseconds",
		Help:      "Request duration in milliseconds by JSON-RPC method",
		Buckets:   durationBuckets,
	}, []string{"method", "route"})
	reg.MustRegister(counter, histogram)

	return &RpcMetrics{
		Counter:   prometheus.NewCounter(counter),
		Histogram: prometheus.NewHistogram(histogram),
	}
}
