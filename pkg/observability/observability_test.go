package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/obligation"
)

func newMeteredProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, p.initInstruments(mp.Meter("test")))
	return p, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string, match func(attribute.Set) bool) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if match == nil || match(dp.Attributes) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "dataspace-connector", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx := context.Background()
	p.ObserveDecision(ctx, "access", true, time.Millisecond)
	p.ObserveSweep(ctx, obligation.SweepReport{Erased: 1}, time.Millisecond)
	_, finish := p.TrackOperation(ctx, "noop")
	finish(errors.New("ignored"))
	require.NoError(t, p.Shutdown(ctx))
}

func TestObserveDecision(t *testing.T) {
	p, reader := newMeteredProvider(t)
	ctx := context.Background()

	p.ObserveDecision(ctx, "access", true, time.Millisecond)
	p.ObserveDecision(ctx, "access", false, time.Millisecond)
	p.ObserveDecision(ctx, "provision", false, time.Millisecond)

	denied := func(set attribute.Set) bool {
		v, ok := set.Value(AttrDecision)
		return ok && v.AsString() == "DENIED"
	}
	require.Equal(t, int64(3), sumOf(t, reader, "connector.decisions.total", nil))
	require.Equal(t, int64(2), sumOf(t, reader, "connector.decisions.total", denied))
}

func TestObserveSweep(t *testing.T) {
	p, reader := newMeteredProvider(t)
	ctx := context.Background()

	p.ObserveSweep(ctx, obligation.SweepReport{Agreements: 4, Erased: 2, Failed: 1}, time.Second)
	p.ObserveSweep(ctx, obligation.SweepReport{Agreements: 4}, time.Second)

	require.Equal(t, int64(2), sumOf(t, reader, "connector.sweeps.total", nil))
	require.Equal(t, int64(2), sumOf(t, reader, "connector.payloads.erased", nil))
	require.Equal(t, int64(1), sumOf(t, reader, "connector.sweep.failures", nil))
}

func TestTrackOperation(t *testing.T) {
	p, reader := newMeteredProvider(t)

	ctx, finish := p.TrackOperation(context.Background(), "negotiation.confirm", attribute.String("agreement", "a-1"))
	require.NotNil(t, ctx)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "negotiation.confirm")
	finish(errors.New("mismatch"))

	require.Equal(t, int64(2), sumOf(t, reader, "connector.requests.total", nil))
	require.Equal(t, int64(1), sumOf(t, reader, "connector.errors.total", nil))
}
