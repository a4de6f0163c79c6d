package geocode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/models"
)

// fakeProvider records the time of every Geocode call and answers from a
// scripted function.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []time.Time
	inputs  []AddressInput
	respond func(in AddressInput) (*Result, error)
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Available() bool { return true }

func (f *fakeProvider) Geocode(ctx context.Context, in AddressInput) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	return f.respond(in)
}

func (f *fakeProvider) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.calls))
	copy(out, f.calls)
	return out
}

func fullMatch(in AddressInput) (*Result, error) {
	return &Result{
		FormattedAddress: in.Street + " " + in.Number + ", " + in.Postal + " " + in.City,
		Street:           in.Street,
		Number:           in.Number,
		City:             in.City,
		Postal:           in.Postal,
		Country:          "de",
	}, nil
}

func TestNormalize_AcceptsFullAddressMatch(t *testing.T) {
	provider := &fakeProvider{respond: fullMatch}
	q := NewQueue(provider, time.Millisecond, 2, zap.NewNop())

	got, err := q.Normalize(context.Background(), models.Address{Street: "Hauptstraße", Number: "12", Postal: "10115", City: "Berlin"})
	require.NoError(t, err)
	assert.Equal(t, "Hauptstraße", got.Street)
	assert.Equal(t, "12", got.Number)
	assert.False(t, got.Unvalidated)
	assert.Len(t, provider.callTimes(), 1)
}

func TestNormalize_StreetOnlyRetryKeepsCallerNumber(t *testing.T) {
	provider := &fakeProvider{respond: func(in AddressInput) (*Result, error) {
		// No match while the house number is included; road-only match on
		// the street-only retry.
		if in.Number != "" {
			return nil, nil
		}
		r, _ := fullMatch(in)
		return r, nil
	}}
	q := NewQueue(provider, time.Millisecond, 2, zap.NewNop())

	got, err := q.Normalize(context.Background(), models.Address{Street: "Hauptstraße", Number: "12b", Postal: "10115"})
	require.NoError(t, err)
	assert.Equal(t, "12b", got.Number)
	assert.False(t, got.Unvalidated)
	assert.Len(t, provider.callTimes(), 2)
}

func TestNormalize_FallsBackToTrivialConcatenation(t *testing.T) {
	provider := &fakeProvider{respond: func(in AddressInput) (*Result, error) { return nil, nil }}
	q := NewQueue(provider, time.Millisecond, 2, zap.NewNop())

	got, err := q.Normalize(context.Background(), models.Address{Street: "Hauptstraße", Number: "12", Postal: "10115", City: "Berlin"})
	require.NoError(t, err)
	assert.True(t, got.Unvalidated)
	assert.Equal(t, "Hauptstraße 12, 10115 Berlin", got.Canonical)
}

func TestNormalize_ConcurrentCallsHonorMinimumSpacing(t *testing.T) {
	provider := &fakeProvider{respond: fullMatch}
	const spacing = 60 * time.Millisecond
	q := NewQueue(provider, spacing, 4, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Normalize(context.Background(), models.Address{Street: "Ringweg", Number: "1", Postal: "50667"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	calls := provider.callTimes()
	require.Len(t, calls, 4)
	for i := 1; i < len(calls); i++ {
		gap := calls[i].Sub(calls[i-1])
		// A small scheduling tolerance below the configured floor.
		assert.GreaterOrEqual(t, gap, spacing-5*time.Millisecond,
			"gap between provider call %d and %d was %v", i-1, i, gap)
	}
}

func TestStatus_ReflectsQueueActivity(t *testing.T) {
	provider := &fakeProvider{respond: fullMatch}
	q := NewQueue(provider, time.Millisecond, 2, zap.NewNop())

	_, err := q.Normalize(context.Background(), models.Address{Street: "A", Number: "1", Postal: "11111"})
	require.NoError(t, err)

	snap := q.Status()
	assert.Equal(t, 0, snap.QueueLength)
	assert.False(t, snap.Processing)
	assert.False(t, snap.LastRequestAt.IsZero())
}

func TestBatchNormalize_ResolvesAllInputs(t *testing.T) {
	provider := &fakeProvider{respond: fullMatch}
	q := NewQueue(provider, time.Millisecond, 2, zap.NewNop())

	addrs := []models.Address{
		{Street: "A", Number: "1", Postal: "11111"},
		{Street: "B", Number: "2", Postal: "22222"},
		{Street: "C", Number: "3", Postal: "33333"},
	}
	out, err := q.BatchNormalize(context.Background(), addrs)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "A", out[0].Street)
	assert.Equal(t, "C", out[2].Street)
}
