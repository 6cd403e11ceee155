package provider

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter fails the first failures calls with err
type fakeAdapter struct {
	name      string
	removable bool
	failures  int
	err       error
	partial   bool

	mu       sync.Mutex
	launches int
	removed  []string
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) SupportsRemoval() bool { return f.removable }

func (f *fakeAdapter) LaunchNewServer(context.Context) (*Launched, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.launches <= f.failures {
		if f.partial {
			return &Launched{Host: &types.Host{ProviderID: "half-built"}}, f.err
		}
		return nil, f.err
	}
	return &Launched{
		Host:   &types.Host{ID: "h1", Provider: f.name, ProviderID: "p1", IPAddress: "192.0.2.1"},
		Server: &types.Server{IPAddress: "192.0.2.1"},
	}, nil
}

func (f *fakeAdapter) RemoveServer(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, providerID)
	return nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAdapter{name: "alpha", removable: true}, 3))
	require.NoError(t, r.Register(&fakeAdapter{name: "beta"}, 1))
	require.NoError(t, r.Register(ManualAdapter{}, 0))

	assert.Error(t, r.Register(&fakeAdapter{name: "alpha"}, 1), "duplicate name")
	assert.Error(t, r.Register(&fakeAdapter{name: "gamma"}, -1), "negative weight")
	assert.Equal(t, []string{"alpha", "beta", "manual"}, r.Names())

	_, err := r.Get("linode")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.True(t, r.SupportsRemoval("alpha"))
	assert.False(t, r.SupportsRemoval("manual"))
	assert.False(t, r.SupportsRemoval("linode"))
}

func TestRegistryChooseWeighted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAdapter{name: "alpha"}, 3))
	require.NoError(t, r.Register(&fakeAdapter{name: "beta"}, 1))
	require.NoError(t, r.Register(ManualAdapter{}, 0))

	rnd := rand.New(rand.NewSource(42))
	counts := map[string]int{}
	const draws = 4000
	for i := 0; i < draws; i++ {
		a, err := r.Choose(rnd)
		require.NoError(t, err)
		counts[a.Name()]++
	}

	assert.Zero(t, counts["manual"])
	assert.InDelta(t, 0.75, float64(counts["alpha"])/draws, 0.05)
	assert.InDelta(t, 0.25, float64(counts["beta"])/draws, 0.05)

	empty := NewRegistry()
	_, err := empty.Choose(rnd)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistryRemoveHost(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha", removable: true}
	r := NewRegistry()
	require.NoError(t, r.Register(alpha, 1))
	require.NoError(t, r.Register(ManualAdapter{}, 0))

	require.NoError(t, r.RemoveHost(context.Background(), &types.Host{Provider: "alpha", ProviderID: "p9"}))
	assert.Equal(t, []string{"p9"}, alpha.removed)

	err := r.RemoveHost(context.Background(), &types.Host{Provider: "manual", ProviderID: "x"})
	assert.ErrorIs(t, err, ErrRemovalNotSupported)

	err = r.RemoveHost(context.Background(), &types.Host{Provider: "linode"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &StatusError{Code: 503}, true},
		{"rate limited", &StatusError{Code: 429}, true},
		{"client error", &StatusError{Code: 404}, false},
		{"marked", Transient(errors.New("flaky")), true},
		{"timeout", context.DeadlineExceeded, true},
		{"plain", errors.New("quota exceeded"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryLaunch(t *testing.T) {
	tests := []struct {
		name         string
		adapter      *fakeAdapter
		wantErr      bool
		wantLaunches int
		wantRemoved  []string
	}{
		{
			name:         "succeeds after transient failures",
			adapter:      &fakeAdapter{name: "alpha", failures: 2, err: &StatusError{Code: 502}},
			wantLaunches: 3,
		},
		{
			name:         "gives up after three retries",
			adapter:      &fakeAdapter{name: "alpha", failures: 10, err: &StatusError{Code: 500}},
			wantErr:      true,
			wantLaunches: 4,
		},
		{
			name:         "permanent error is not retried",
			adapter:      &fakeAdapter{name: "alpha", failures: 10, err: &StatusError{Code: 401}},
			wantErr:      true,
			wantLaunches: 1,
		},
		{
			name: "partial launch is cleaned up",
			adapter: &fakeAdapter{
				name: "alpha", removable: true, partial: true,
				failures: 1, err: Transient(errors.New("boot timeout")),
			},
			wantLaunches: 2,
			wantRemoved:  []string{"half-built"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := WithRetry(tt.adapter, fastPolicy())
			launched, err := a.LaunchNewServer(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrProviderFailure)
				assert.Nil(t, launched)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "p1", launched.Host.ProviderID)
			}
			assert.Equal(t, tt.wantLaunches, tt.adapter.launches)
			assert.Equal(t, tt.wantRemoved, tt.adapter.removed)
		})
	}
}
