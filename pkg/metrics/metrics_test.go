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

package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/log"
	"github.com/kurafs/fusekit/pkg/store"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Operation("getattr", time.Millisecond, 0)
	r.Operation("getattr", time.Millisecond, 0)
	r.Operation("getattr", time.Millisecond, fuse.ENOENT)
	r.Operation("read", time.Millisecond, fuse.EIO)
	r.Signal("USR1")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.operations.WithLabelValues("getattr", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("getattr", "ENOENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("read", "EIO")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.signals.WithLabelValues("USR1")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.duration))
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(prometheus.NewRegistry())
	s := r.Store("memory", store.NewMemory())

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)
	_, err = s.Get(ctx, "nope")
	assert.Equal(t, store.ErrNotFound, err)
	_, err = s.Keys(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))

	for _, tt := range []struct {
		method, status string
	}{
		{"put", "ok"}, {"get", "ok"}, {"get", "not_found"}, {"keys", "ok"}, {"delete", "ok"},
	} {
		assert.Equal(t, 1.0, testutil.ToFloat64(r.storeOps.WithLabelValues("memory", tt.method, tt.status)),
			"%s %s", tt.method, tt.status)
	}
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRecorder(reg).Operation("lookup", time.Millisecond, 0)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, lis, reg, log.Discarder()) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", lis.Addr()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `fusekit_operations_total{errno="ok",op="lookup"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
