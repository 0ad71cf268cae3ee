/*
 *
 *  * Licensed to the Apache Software Foundation (ASF) under one or more
 *  * contributor license agreements.  See the NOTICE file distributed with
 *  * this work for additional information regarding copyright ownership.
 *  * The ASF licenses this file to You under the Apache License, Version 2.0
 *  * (the "License"); you may not use this file except in compliance with
 *  * the License.  You may obtain a copy of the License at
 *  *
 *  *     http://www.apache.org/licenses/LICENSE-2.0
 *  *
 *  * Unless required by applicable law or agreed to in writing, software
 *  * distributed under the License is distributed on an "AS IS" BASIS,
 *  * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  * See the License for the specific language governing permissions and
 *  * limitations under the License.
 *
 */

package monitor

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/config"
	"github.com/IceFireDB/IceFireDB-RedisVolume/utils"
)

const Namespace = "redisvolume"

// Verify results
const (
	ResultPass  = "pass"
	ResultFail  = "fail"
	ResultError = "error"
)

// Sync operations of the volume driver
const (
	OpPush   = "push"
	OpPull   = "pull"
	OpDelete = "delete"
	OpError  = "error"
)

// Monitor owns its registry so several instances can live in one process.
// All methods are safe on a nil *Monitor.
type Monitor struct {
	registry *prometheus.Registry

	verifyTotal       *prometheus.CounterVec
	verifyStepSeconds *prometheus.HistogramVec
	syncTotal         *prometheus.CounterVec
	mountedVolumes    prometheus.Gauge
}

func New() *Monitor {
	constLabels := prometheus.Labels{"host": utils.GetHostname()}
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "verify_total",
			Help:        "Count of verification runs by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		verifyStepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "verify_step_seconds",
			Help:        "Duration of verification steps",
			ConstLabels: constLabels,
			Buckets:     []float64{.005, .01, .05, .1, .5, 1, 2, 4, 8, 16},
		}, []string{"step"}),
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "sync_total",
			Help:        "Count of volume sync operations by kind",
			ConstLabels: constLabels,
		}, []string{"op"}),
		mountedVolumes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "mounted_volumes",
			Help:        "Count of volumes with an active sync",
			ConstLabels: constLabels,
		}),
	}
	m.registry.MustRegister(
		m.verifyTotal,
		m.verifyStepSeconds,
		m.syncTotal,
		m.mountedVolumes,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Monitor) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Monitor) VerifyDone(result string) {
	if m == nil {
		return
	}
	m.verifyTotal.WithLabelValues(result).Inc()
}

func (m *Monitor) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.verifyStepSeconds.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Monitor) SyncOp(op string) {
	if m == nil {
		return
	}
	m.syncTotal.WithLabelValues(op).Inc()
}

func (m *Monitor) SetMounted(n int) {
	if m == nil {
		return
	}
	m.mountedVolumes.Set(float64(n))
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Router exposes GET /metrics.
func (m *Monitor) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}

// RunPrometheusExporter serves /metrics in the background when enabled. The
// returned server is nil when the exporter is disabled.
func RunPrometheusExporter(m *Monitor, c config.PrometheusExporterS) *http.Server {
	if !c.Enable || m == nil {
		return nil
	}
	srv := &http.Server{Addr: c.Address, Handler: m.Router(), ReadHeaderTimeout: 5 * time.Second}
	utils.GoWithRecover(func() {
		logrus.Infof("prometheus exporter listening on %s", c.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("prometheus exporter: %v", err)
		}
	}, nil)
	return srv
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logrus.WithFields(logrus.Fields{
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start),
			}).Debug("handled request")
		}()
		next.ServeHTTP(ww, r)
	})
}
