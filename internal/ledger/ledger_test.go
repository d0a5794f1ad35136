package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

var ceiling = models.ResourceDemand{CPUShares: 400, MemoryMB: 1000, FileHandles: 100}

func demand(cpu, memMB, fh int) models.ResourceDemand {
	return models.ResourceDemand{CPUShares: cpu, MemoryMB: memMB, FileHandles: fh}
}

func TestTryAdmit_RespectsCeiling(t *testing.T) {
	l := New(ceiling, Options{})

	require.True(t, l.TryAdmit("a", demand(200, 400, 10)))
	require.True(t, l.TryAdmit("b", demand(200, 400, 10)))
	assert.False(t, l.TryAdmit("c", demand(1, 1, 1)), "cpu is exhausted")

	l.Release("a")
	assert.True(t, l.TryAdmit("c", demand(100, 100, 1)))
	assert.Equal(t, demand(300, 500, 11), l.Used())
}

func TestTryAdmit_Idempotent(t *testing.T) {
	l := New(ceiling, Options{})

	require.True(t, l.TryAdmit("a", demand(100, 100, 10)))
	require.True(t, l.TryAdmit("a", demand(100, 100, 10)))
	assert.Equal(t, demand(100, 100, 10), l.Used())
	assert.Len(t, l.Allocations(), 1)
}

func TestRelease_Idempotent(t *testing.T) {
	l := New(ceiling, Options{})
	require.True(t, l.TryAdmit("a", demand(100, 100, 10)))

	assert.True(t, l.Release("a"))
	assert.False(t, l.Release("a"))
	assert.False(t, l.Release("never"))
	assert.True(t, l.Used().IsZero())
}

func TestFits(t *testing.T) {
	l := New(ceiling, Options{})
	assert.True(t, l.Fits(ceiling))
	assert.False(t, l.Fits(demand(401, 0, 0)))
	assert.False(t, l.Fits(demand(-1, 0, 0)))

	assert.False(t, l.TryAdmit("huge", demand(0, 2000, 0)))
}

func TestSample_ThrottleAndRecover(t *testing.T) {
	l := New(ceiling, Options{HighWater: 80, LowWater: 50})

	l.Sample(95)
	assert.Equal(t, demand(360, 900, 90), l.Effective())

	for i := 0; i < 20; i++ {
		l.Sample(95)
	}
	assert.Equal(t, demand(40, 100, 10), l.Effective(), "floored at a tenth of the ceiling")

	l.Sample(65)
	assert.Equal(t, demand(40, 100, 10), l.Effective(), "between marks is a no-op")

	for i := 0; i < 20; i++ {
		l.Sample(10)
	}
	assert.Equal(t, ceiling, l.Effective(), "never above the original ceiling")
}

func TestTryAdmit_EmptyLedgerIgnoresThrottle(t *testing.T) {
	l := New(ceiling, Options{HighWater: 80, LowWater: 50})
	for i := 0; i < 20; i++ {
		l.Sample(99)
	}

	require.True(t, l.TryAdmit("big", demand(300, 800, 50)), "empty ledger admits anything within the ceiling")
	assert.False(t, l.TryAdmit("small", demand(1, 1, 1)), "second grant respects the throttled ceiling")
}

func TestReclaim(t *testing.T) {
	l := New(ceiling, Options{})
	require.True(t, l.TryAdmit("a", demand(10, 10, 1)))
	require.True(t, l.TryAdmit("b", demand(10, 10, 1)))
	require.True(t, l.TryAdmit("c", demand(10, 10, 1)))
	l.SetPID("b", 42)

	reclaimed := l.Reclaim(func(id string) bool { return id == "b" })
	assert.Equal(t, []string{"a", "c"}, reclaimed)

	allocs := l.Allocations()
	require.Len(t, allocs, 1)
	assert.Equal(t, 42, allocs[0].PID)
	assert.Equal(t, demand(10, 10, 1), l.Used())
}

// Resource safety under a random admit/release/sample sequence.
func TestLedger_ResourceSafety(t *testing.T) {
	l := New(ceiling, Options{HighWater: 70, LowWater: 30})
	rng := rand.New(rand.NewSource(7))
	held := map[string]bool{}

	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			id := fmt.Sprintf("u%d", rng.Intn(40))
			if l.TryAdmit(id, demand(rng.Intn(150), rng.Intn(300), rng.Intn(30))) {
				held[id] = true
			}
		case 1:
			id := fmt.Sprintf("u%d", rng.Intn(40))
			l.Release(id)
			delete(held, id)
		case 2:
			l.Sample(float64(rng.Intn(100)))
		}
		require.False(t, l.Used().Exceeds(ceiling), "step %d: used %+v", i, l.Used())
		require.Len(t, l.Allocations(), len(held))
	}
}

type fakeProbe struct{ capacity models.ResourceDemand }

func (f fakeProbe) Capacity(context.Context) (models.ResourceDemand, error) { return f.capacity, nil }
func (f fakeProbe) Load(context.Context) (float64, error)                    { return 0, nil }

func TestNewFromHost_Reserve(t *testing.T) {
	l, err := NewFromHost(context.Background(), fakeProbe{capacity: demand(800, 16000, 1024)}, 25, Options{})
	require.NoError(t, err)
	assert.Equal(t, demand(600, 12000, 768), l.Ceiling())
}

func TestHostProbe(t *testing.T) {
	capacity, err := HostProbe{}.Capacity(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, capacity.CPUShares, 100)
	assert.Greater(t, capacity.MemoryMB, 0)
	assert.Greater(t, capacity.FileHandles, 0)
}
