package power

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissible(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		current  int
		override bool
		want     bool
	}{
		{name: "above floor unplugged", capacity: 36, current: 1, want: true},
		{name: "low but on external power", capacity: 11, current: -1, want: true},
		{name: "low and unplugged", capacity: 11, current: 1, want: false},
		{name: "override wins", capacity: 5, current: 1, override: true, want: true},
		{name: "at floor unplugged", capacity: 35, current: 1, want: false},
		{name: "at charging floor on external power", capacity: 10, current: -1, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Admissible(tt.capacity, tt.current, tt.override, 35, 10))
		})
	}
}

func TestSysfsSource(t *testing.T) {
	dir := t.TempDir()
	capPath := filepath.Join(dir, "capacity")
	curPath := filepath.Join(dir, "current_now")
	ovrPath := filepath.Join(dir, "dp_no_batt")

	require.NoError(t, os.WriteFile(capPath, []byte("42\n"), 0o644))
	require.NoError(t, os.WriteFile(curPath, []byte("-153000\n"), 0o644))

	s := &SysfsSource{CapacityPath: capPath, CurrentPath: curPath, OverridePath: ovrPath}

	assert.Equal(t, 42, s.Capacity())
	assert.Equal(t, -153000, s.CurrentNow())
	assert.False(t, s.Override(), "missing param file means no override")

	require.NoError(t, os.WriteFile(ovrPath, []byte("1\n"), 0o644))
	assert.True(t, s.Override())

	require.NoError(t, os.WriteFile(ovrPath, []byte("0\n"), 0o644))
	assert.False(t, s.Override())
}

func TestSysfsSource_MissingFiles(t *testing.T) {
	s := &SysfsSource{
		CapacityPath: filepath.Join(t.TempDir(), "capacity"),
		CurrentPath:  filepath.Join(t.TempDir(), "current_now"),
	}

	assert.Equal(t, 0, s.Capacity())
	assert.Equal(t, 0, s.CurrentNow())
}

type fakeSource struct {
	capacity atomic.Int64
	current  atomic.Int64
}

func (f *fakeSource) Capacity() int   { return int(f.capacity.Load()) }
func (f *fakeSource) CurrentNow() int { return int(f.current.Load()) }
func (f *fakeSource) Override() bool  { return false }

func TestGate_WaitUntilCharged(t *testing.T) {
	src := &fakeSource{}
	src.capacity.Store(20)
	src.current.Store(1)

	g := NewGate(src, 35, 10, time.Millisecond)

	var samples []int
	done := make(chan struct{})

	go func() {
		defer close(done)

		g.Wait(context.Background(), func(capacityPct int) {
			samples = append(samples, capacityPct)

			// Plugging in drops the current reading below zero; the lower
			// charging floor then admits the update.
			if len(samples) == 3 {
				src.current.Store(-1)
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gate never opened")
	}

	require.NotEmpty(t, samples)
	assert.Equal(t, 20, samples[0])
}

func TestGate_WaitHonorsCancellation(t *testing.T) {
	src := &fakeSource{}
	src.capacity.Store(5)
	src.current.Store(1)

	g := NewGate(src, 35, 10, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		g.Wait(ctx, nil)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gate did not observe cancellation")
	}
}

func TestGate_NoWaitWhenCharged(t *testing.T) {
	src := &fakeSource{}
	src.capacity.Store(80)

	g := NewGate(src, 35, 10, time.Hour)

	assert.True(t, g.CanProceed())

	start := time.Now()
	g.Wait(context.Background(), nil)
	assert.Less(t, time.Since(start), time.Second)
}
