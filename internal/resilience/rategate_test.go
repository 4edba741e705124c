package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateGateFirstCallPassesImmediately(t *testing.T) {
	g := NewRateGate(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "a fresh gate must not delay the first caller")
}

func TestRateGateSpacesBursts(t *testing.T) {
	const (
		callers = 20
		spacing = 10 * time.Millisecond
	)
	g := NewRateGate(spacing)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Wait(context.Background()))
		}()
	}
	wg.Wait()

	// 20 callers through a 10ms gate claim slots 0, 10, ..., 190ms out.
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Duration(callers-1)*spacing,
		"a burst must drain one caller per interval, not all at once")
}

func TestRateGateSequentialCallersKeepSpacing(t *testing.T) {
	const spacing = 20 * time.Millisecond
	g := NewRateGate(spacing)

	require.NoError(t, g.Wait(context.Background()))
	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), spacing-time.Millisecond)
}

func TestRateGateWaitHonorsContext(t *testing.T) {
	g := NewRateGate(time.Hour)
	require.NoError(t, g.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
