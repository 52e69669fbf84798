package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.Registry)
	require.Empty(t, tel.MetricsAddr)

	counter, err := tel.Meter.Int64Counter("cowbtree.noop")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_ExportsToRegistry(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "cowbtree-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()
	require.Empty(t, tel.MetricsAddr)

	counter, err := tel.Meter.Int64Counter("cowbtree.test.inserts")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := tel.Registry.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "cowbtree_test_inserts") {
			found = true
			require.Equal(t, 3.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	require.True(t, found)

	_, span := tel.Tracer.Start(context.Background(), "test")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}
