package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/docker"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/types"
)

func sampleDeployment() *types.Deployment {
	return &types.Deployment{
		Hash:      "dpl_abc123",
		ServiceID: "srv-1",
	}
}

func TestRecordSetsContainerGauges(t *testing.T) {
	c := New()
	c.Record(sampleDeployment(), &docker.StatsSample{
		CPUPercent:  12.5,
		MemoryBytes: 64 << 20,
		MemoryLimit: 512 << 20,
		NetRxBytes:  1024,
		NetTxBytes:  2048,
	})

	assert.Equal(t, 12.5, testutil.ToFloat64(c.cpuPercent.WithLabelValues("srv-1", "dpl_abc123")))
	assert.Equal(t, float64(64<<20), testutil.ToFloat64(c.memoryBytes.WithLabelValues("srv-1", "dpl_abc123")))
	assert.Equal(t, float64(1024), testutil.ToFloat64(c.netRxBytes.WithLabelValues("srv-1", "dpl_abc123")))
}

func TestForgetDropsSeries(t *testing.T) {
	c := New()
	c.Record(sampleDeployment(), &docker.StatsSample{CPUPercent: 1})
	c.Forget("srv-1", "dpl_abc123")

	assert.Equal(t, 0, testutil.CollectAndCount(c.cpuPercent))
}

func TestWatchCountsDeploymentOutcomes(t *testing.T) {
	c := New()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx, broker)

	broker.Publish(&events.Event{Type: events.EventDeploymentHealthy})
	broker.Publish(&events.Event{Type: events.EventDeploymentFailed})
	broker.Publish(&events.Event{Type: events.EventDeploymentFailed})
	// Non-deployment events are ignored.
	broker.Publish(&events.Event{Type: events.EventServiceArchived})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.deployments.WithLabelValues("FAILED")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deployments.WithLabelValues("HEALTHY")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.Record(sampleDeployment(), &docker.StatsSample{CPUPercent: 5})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "zane_container_cpu_percent"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
