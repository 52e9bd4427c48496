// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports what a file system server does as Prometheus
// metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/fuse/fs"
	"github.com/kurafs/fusekit/pkg/store"
)

const namespace = "fusekit"

// Recorder counts dispatched operations, handled signals and store
// accesses. It implements fs.Recorder.
type Recorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	signals    *prometheus.CounterVec
	storeOps   *prometheus.CounterVec
	storeTime  *prometheus.HistogramVec
}

var _ fs.Recorder = (*Recorder)(nil)

// NewRecorder registers the metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "File system operations by name and reply errno.",
		}, []string{"op", "errno"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent in file system operations.",
			Buckets:   []float64{.00001, .0001, .001, .01, .1, 1},
		}, []string{"op"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals handled by the event loop.",
		}, []string{"signal"}),
		storeOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Store accesses by backend, method and outcome.",
		}, []string{"backend", "method", "status"}),
		storeTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_seconds",
			Help:      "Time spent in store accesses.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "method"}),
	}
}

func (r *Recorder) Operation(op string, d time.Duration, errno fuse.Errno) {
	r.operations.WithLabelValues(op, errnoLabel(errno)).Inc()
	r.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (r *Recorder) Signal(name string) {
	r.signals.WithLabelValues(name).Inc()
}

// errnoLabel is "ok" for zero, else the errno's name, e.g. "ENOENT".
func errnoLabel(errno fuse.Errno) string {
	if errno == 0 {
		return "ok"
	}
	return errno.ErrnoName()
}

// Store wraps s so its accesses are counted under backend.
func (r *Recorder) Store(backend string, s store.Store) store.Store {
	return &instrumented{Store: s, backend: backend, r: r}
}

type instrumented struct {
	store.Store
	backend string
	r       *Recorder
}

func (s *instrumented) observe(method string, start time.Time, err error) {
	status := "ok"
	switch {
	case err == store.ErrNotFound:
		status = "not_found"
	case err != nil:
		status = "error"
	}
	s.r.storeOps.WithLabelValues(s.backend, method, status).Inc()
	s.r.storeTime.WithLabelValues(s.backend, method).Observe(time.Since(start).Seconds())
}

func (s *instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	v, err := s.Store.Get(ctx, key)
	s.observe("get", start, err)
	return v, err
}

func (s *instrumented) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := s.Store.Put(ctx, key, value)
	s.observe("put", start, err)
	return err
}

func (s *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Store.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}

func (s *instrumented) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.Store.Keys(ctx, prefix)
	s.observe("keys", start, err)
	return keys, err
}
