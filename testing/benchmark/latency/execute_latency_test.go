//go:build benchmark
// +build benchmark

// Package latency provides benchmark tests for operation latency measurement.
package latency

import (
	"context"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/adapter/modbus"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/internal/retry"
	"github.com/nexus-edge/robust-modbus/testing/mocks"
	"github.com/rs/zerolog"
)

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count  int
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	Median time.Duration
	P99    time.Duration
	StdDev time.Duration
}

// calculateStats computes latency statistics from samples.
func calculateStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	stats := LatencyStats{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: sorted[len(sorted)/2],
		P99:    sorted[int(float64(len(sorted)-1)*0.99)],
	}

	var total time.Duration
	for _, s := range sorted {
		total += s
	}
	stats.Mean = total / time.Duration(len(sorted))

	var variance float64
	meanNs := float64(stats.Mean.Nanoseconds())
	for _, s := range sorted {
		diff := float64(s.Nanoseconds()) - meanNs
		variance += diff * diff
	}
	stats.StdDev = time.Duration(math.Sqrt(variance / float64(len(sorted))))

	return stats
}

// BenchmarkExecuteLatency measures per-operation latency including the
// retry path. Every third response fails once with a transport error, so
// the tail covers reconnect plus retry.
func BenchmarkExecuteLatency(b *testing.B) {
	var calls int
	dialer := mocks.NewMockDialer()
	dialer.DialFunc = func(ctx context.Context, endpoint string, unitID byte) (modbus.Handle, error) {
		h := mocks.NewMockHandle(unitID)
		h.CallFunc = func(op domain.Operation) ([]byte, error) {
			calls++
			if calls%3 == 0 {
				return nil, domain.ErrTransport
			}
			return make([]byte, int(op.Quantity)*2), nil
		}
		return h, nil
	}

	policy := retry.Policy{Attempts: retry.DefaultAttempts, BaseDelay: 10 * time.Microsecond, Jitter: retry.FullJitter}
	client, err := modbus.NewClient(modbus.ClientConfig{
		Address:       "bench.local:502",
		ConnectPolicy: policy,
		CommandPolicy: policy,
		Dialer:        dialer,
		Resolver:      &mocks.MockResolver{},
	}, zerolog.Nop(), nil)
	if err != nil {
		b.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	op := domain.Operation{Kind: domain.OpReadHoldingRegisters, Quantity: 10}
	samples := make([]time.Duration, 0, b.N)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		_, _ = client.Execute(ctx, op)
		samples = append(samples, time.Since(start))
	}
	b.StopTimer()

	stats := calculateStats(samples)
	b.ReportMetric(float64(stats.Median.Microseconds()), "p50-us")
	b.ReportMetric(float64(stats.P99.Microseconds()), "p99-us")
	b.ReportMetric(float64(stats.Max.Microseconds()), "max-us")
}
