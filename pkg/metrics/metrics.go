// Package metrics exposes control-plane and container metrics in Prometheus
// format. The collector doubles as the monitor's stats recorder.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/docker"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/types"
)

// Collector aggregates deployment outcomes and per-container resource
// usage into a dedicated Prometheus registry.
type Collector struct {
	registry *prometheus.Registry
	logger   zerolog.Logger

	deployments *prometheus.CounterVec
	cpuPercent  *prometheus.GaugeVec
	memoryBytes *prometheus.GaugeVec
	memoryLimit *prometheus.GaugeVec
	netRxBytes  *prometheus.GaugeVec
	netTxBytes  *prometheus.GaugeVec
}

// New builds a collector with its own registry, go-runtime and process
// collectors included.
func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	containerLabels := []string{"service_id", "deployment_hash"}
	c := &Collector{
		registry: registry,
		logger:   log.WithComponent("metrics"),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zane_deployments_total",
			Help: "Deployment outcomes by terminal status.",
		}, []string{"status"}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zane_container_cpu_percent",
			Help: "Container CPU usage of the current production deployment.",
		}, containerLabels),
		memoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zane_container_memory_bytes",
			Help: "Container memory usage in bytes.",
		}, containerLabels),
		memoryLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zane_container_memory_limit_bytes",
			Help: "Container memory limit in bytes.",
		}, containerLabels),
		netRxBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zane_container_network_rx_bytes",
			Help: "Container cumulative received bytes.",
		}, containerLabels),
		netTxBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zane_container_network_tx_bytes",
			Help: "Container cumulative transmitted bytes.",
		}, containerLabels),
	}
	registry.MustRegister(
		c.deployments, c.cpuPercent, c.memoryBytes,
		c.memoryLimit, c.netRxBytes, c.netTxBytes,
	)
	return c
}

// Record implements the monitor's stats recorder.
func (c *Collector) Record(dep *types.Deployment, sample *docker.StatsSample) {
	labels := prometheus.Labels{
		"service_id":      dep.ServiceID,
		"deployment_hash": dep.Hash,
	}
	c.cpuPercent.With(labels).Set(sample.CPUPercent)
	c.memoryBytes.With(labels).Set(float64(sample.MemoryBytes))
	c.memoryLimit.With(labels).Set(float64(sample.MemoryLimit))
	c.netRxBytes.With(labels).Set(float64(sample.NetRxBytes))
	c.netTxBytes.With(labels).Set(float64(sample.NetTxBytes))
}

// Forget drops the container series of a deployment, e.g. after archival.
func (c *Collector) Forget(serviceID, deploymentHash string) {
	labels := prometheus.Labels{
		"service_id":      serviceID,
		"deployment_hash": deploymentHash,
	}
	c.cpuPercent.Delete(labels)
	c.memoryBytes.Delete(labels)
	c.memoryLimit.Delete(labels)
	c.netRxBytes.Delete(labels)
	c.netTxBytes.Delete(labels)
}

// Watch consumes broker events until ctx is done, counting deployment
// outcomes.
func (c *Collector) Watch(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			c.observe(event)
		}
	}
}

func (c *Collector) observe(event *events.Event) {
	switch event.Type {
	case events.EventDeploymentHealthy:
		c.deployments.WithLabelValues(string(types.DeploymentHealthy)).Inc()
	case events.EventDeploymentUnhealthy:
		c.deployments.WithLabelValues(string(types.DeploymentUnhealthy)).Inc()
	case events.EventDeploymentFailed:
		c.deployments.WithLabelValues(string(types.DeploymentFailed)).Inc()
	case events.EventDeploymentCancelled:
		c.deployments.WithLabelValues(string(types.DeploymentCancelled)).Inc()
	}
}

// Handler returns the scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs the scrape endpoint on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	c.logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
