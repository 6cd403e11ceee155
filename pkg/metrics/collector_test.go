package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/psinet/psinettest"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	n, clock := psinettest.NewNetwork(t)
	channel, err := n.AddPropagationChannel("main", nil)
	require.NoError(t, err)

	psinettest.AddServer(t, n, "E1", channel.ID, psinettest.Embedded())
	psinettest.AddServer(t, n, "D1", channel.ID, psinettest.Discovery(clock.Now.Add(-time.Hour), clock.Now.Add(time.Hour)))
	psinettest.AddServer(t, n, "P1", channel.ID)
	require.NoError(t, n.DisableServer("P1"))

	Observe(n)

	assert.Equal(t, 3.0, gaugeValue(t, HostsTotal))
	assert.Equal(t, 1.0, gaugeValue(t, DiscoverableServers))
	assert.Equal(t, 1.0, gaugeValue(t, ServersTotal.WithLabelValues(string(types.RoleEmbedded), "active")))
	assert.Equal(t, 1.0, gaugeValue(t, ServersTotal.WithLabelValues(string(types.RolePropagation), "disabled")))
	assert.Equal(t, 3.0, gaugeValue(t, PendingDeployWork.WithLabelValues("implementation")))
	assert.Equal(t, 1.0, gaugeValue(t, PendingDeployWork.WithLabelValues("data")))
}

func TestCollectorWithoutNetwork(t *testing.T) {
	c := NewCollector(func() *psinet.Network { return nil }, time.Millisecond)
	c.Start()
	c.Stop()
	c.Stop()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}
