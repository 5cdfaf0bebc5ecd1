package engine_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medscanhq/segpipe/internal/engine"
	"github.com/medscanhq/segpipe/internal/volume"
	"github.com/medscanhq/segpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession labels every positive input voxel as class 1.
type fakeSession struct {
	numClasses int
	closed     bool
	runs       int
	runErr     error
	delay      time.Duration

	active  atomic.Int32
	overlap atomic.Bool
}

func (s *fakeSession) Run(patch []float32) ([]float32, error) {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.runs++
	if s.runErr != nil {
		return nil, s.runErr
	}
	out := make([]float32, s.numClasses*len(patch))
	for i, v := range patch {
		if v > 0 {
			out[len(patch)+i] = 1 // class 1 logit
		} else {
			out[i] = 1 // class 0 logit
		}
	}
	return out, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// fakeRuntime fails Open for the provider kinds in failing.
type fakeRuntime struct {
	failing  map[engine.ProviderKind]bool
	opened   []engine.ProviderKind
	sessions []*fakeSession
}

func (r *fakeRuntime) Open(desc *models.ModelDescriptor, provider engine.Provider) (engine.Session, error) {
	if r.failing[provider.Kind] {
		return nil, fmt.Errorf("no %s device", provider.Kind)
	}
	r.opened = append(r.opened, provider.Kind)
	sess := &fakeSession{numClasses: desc.NumClasses}
	r.sessions = append(r.sessions, sess)
	return sess, nil
}

func testModel(name string) *models.ModelDescriptor {
	return &models.ModelDescriptor{
		Name:       name,
		PatchSize:  [3]int{4, 4, 4},
		NumClasses: 2,
	}
}

func testPatch() []float32 {
	return make([]float32, 4*4*4)
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// --- ParseProviders ---

func TestParseProviders(t *testing.T) {
	providers, err := engine.ParseProviders([]string{"gpu", "cpu"})
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, engine.ProviderGPU, providers[0].Kind)
	assert.Equal(t, 0, providers[0].Priority)
	assert.Equal(t, engine.ProviderCPU, providers[1].Kind)
	assert.Equal(t, 1, providers[1].Priority)
}

func TestParseProviders_Invalid(t *testing.T) {
	_, err := engine.ParseProviders([]string{"tpu"})
	assert.Error(t, err)

	_, err = engine.ParseProviders([]string{"cpu", "cpu"})
	assert.Error(t, err)

	_, err = engine.ParseProviders(nil)
	assert.Error(t, err)
}

// --- Acquire / fallback ---

func TestAcquire_PreferredProvider(t *testing.T) {
	rt := &fakeRuntime{}
	providers, _ := engine.ParseProviders([]string{"gpu", "cpu"})
	e := engine.New(rt, providers, 2, discard())

	_, provider, release, err := e.Acquire(testModel("m"))
	require.NoError(t, err)
	defer release()
	assert.Equal(t, engine.ProviderGPU, provider.Kind)
	assert.Equal(t, []engine.ProviderKind{engine.ProviderGPU}, rt.opened)
}

func TestAcquire_FallsBackOnInitFailure(t *testing.T) {
	rt := &fakeRuntime{failing: map[engine.ProviderKind]bool{engine.ProviderGPU: true}}
	providers, _ := engine.ParseProviders([]string{"gpu", "cpu"})
	e := engine.New(rt, providers, 2, discard())

	_, provider, release, err := e.Acquire(testModel("m"))
	require.NoError(t, err)
	defer release()
	assert.Equal(t, engine.ProviderCPU, provider.Kind)
}

func TestAcquire_AllProvidersFail(t *testing.T) {
	rt := &fakeRuntime{failing: map[engine.ProviderKind]bool{
		engine.ProviderGPU: true,
		engine.ProviderCPU: true,
	}}
	providers, _ := engine.ParseProviders([]string{"gpu", "cpu"})
	e := engine.New(rt, providers, 2, discard())

	_, _, _, err := e.Acquire(testModel("m"))
	assert.ErrorIs(t, err, engine.ErrProviderUnavailable)
}

func TestAcquire_CachesSession(t *testing.T) {
	rt := &fakeRuntime{}
	providers, _ := engine.ParseProviders([]string{"cpu"})
	e := engine.New(rt, providers, 2, discard())

	first, _, release1, err := e.Acquire(testModel("m"))
	require.NoError(t, err)
	second, _, release2, err := e.Acquire(testModel("m"))
	require.NoError(t, err)

	// Both leases drive the one resident session.
	require.Len(t, rt.sessions, 1)
	_, err = first.Run(testPatch())
	require.NoError(t, err)
	_, err = second.Run(testPatch())
	require.NoError(t, err)
	assert.Equal(t, 2, rt.sessions[0].runs)

	release1()
	release2()
}

func TestAcquire_EvictsLRU(t *testing.T) {
	rt := &fakeRuntime{}
	providers, _ := engine.ParseProviders([]string{"cpu"})
	e := engine.New(rt, providers, 1, discard())

	_, _, releaseA, err := e.Acquire(testModel("a"))
	require.NoError(t, err)
	releaseA()

	_, _, releaseB, err := e.Acquire(testModel("b"))
	require.NoError(t, err)
	releaseB()

	require.Len(t, rt.sessions, 2)
	assert.True(t, rt.sessions[0].closed, "evicted session should be closed")
	assert.False(t, rt.sessions[1].closed)

	e.Close()
	assert.True(t, rt.sessions[1].closed)
}

func TestAcquire_EvictionWaitsForHeldLease(t *testing.T) {
	rt := &fakeRuntime{}
	providers, _ := engine.ParseProviders([]string{"cpu"})
	e := engine.New(rt, providers, 1, discard())

	sessA, _, releaseA, err := e.Acquire(testModel("a"))
	require.NoError(t, err)

	// Capacity 1: acquiring b evicts a while a's lease is still held.
	_, _, releaseB, err := e.Acquire(testModel("b"))
	require.NoError(t, err)

	require.Len(t, rt.sessions, 2)
	assert.False(t, rt.sessions[0].closed, "held session must survive eviction")

	// The held lease keeps working after eviction.
	_, err = sessA.Run(testPatch())
	require.NoError(t, err)

	releaseA()
	assert.True(t, rt.sessions[0].closed, "evicted session closes on last release")
	assert.False(t, rt.sessions[1].closed)

	releaseB()
	e.Close()
	assert.True(t, rt.sessions[1].closed)
}

func TestAcquire_LeasesSerializeRun(t *testing.T) {
	rt := &fakeRuntime{}
	providers, _ := engine.ParseProviders([]string{"cpu"})
	e := engine.New(rt, providers, 2, discard())

	s1, _, release1, err := e.Acquire(testModel("m"))
	require.NoError(t, err)
	s2, _, release2, err := e.Acquire(testModel("m"))
	require.NoError(t, err)
	defer release1()
	defer release2()

	require.Len(t, rt.sessions, 1)
	rt.sessions[0].delay = 2 * time.Millisecond

	var wg sync.WaitGroup
	for _, s := range []engine.Session{s1, s2} {
		wg.Add(1)
		go func(s engine.Session) {
			defer wg.Done()
			for range 5 {
				_, err := s.Run(testPatch())
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	assert.False(t, rt.sessions[0].overlap.Load(), "Run calls must not overlap on a shared session")
	assert.Equal(t, 10, rt.sessions[0].runs)
}

// --- Predict ---

func TestPredict_LabelsPositiveVoxels(t *testing.T) {
	desc := testModel("m")
	sess := &fakeSession{numClasses: 2}

	v := volume.NewVolume([3]int{6, 6, 6}, [3]float64{1, 1, 1})
	for z := 2; z < 4; z++ {
		for y := 2; y < 4; y++ {
			for x := 2; x < 4; x++ {
				v.Set(z, y, x, 1)
			}
		}
	}

	var calls int
	mask, err := engine.Predict(context.Background(), sess, v, desc, func(done, total int) {
		calls++
		assert.LessOrEqual(t, done, total)
	})
	require.NoError(t, err)
	assert.Equal(t, v.Dims, mask.Dims)
	assert.Positive(t, calls)

	for z := 0; z < 6; z++ {
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				want := uint8(0)
				if z >= 2 && z < 4 && y >= 2 && y < 4 && x >= 2 && x < 4 {
					want = 1
				}
				assert.Equal(t, want, mask.At(z, y, x), "voxel (%d,%d,%d)", z, y, x)
			}
		}
	}
}

func TestPredict_PadsSmallVolume(t *testing.T) {
	desc := testModel("m")
	sess := &fakeSession{numClasses: 2}

	// Smaller than the 4x4x4 patch along every axis.
	v := volume.NewVolume([3]int{2, 3, 2}, [3]float64{1, 1, 1})
	v.Set(1, 1, 1, 1)

	mask, err := engine.Predict(context.Background(), sess, v, desc, nil)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 3, 2}, mask.Dims)
	assert.Equal(t, uint8(1), mask.At(1, 1, 1))
	assert.Equal(t, uint8(0), mask.At(0, 0, 0))
}

func TestPredict_SessionErrorPropagates(t *testing.T) {
	desc := testModel("m")
	sess := &fakeSession{numClasses: 2, runErr: errors.New("cuda OOM")}

	v := volume.NewVolume([3]int{4, 4, 4}, [3]float64{1, 1, 1})
	_, err := engine.Predict(context.Background(), sess, v, desc, nil)
	assert.ErrorContains(t, err, "cuda OOM")
}

func TestPredict_CancelledContext(t *testing.T) {
	desc := testModel("m")
	sess := &fakeSession{numClasses: 2}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := volume.NewVolume([3]int{8, 8, 8}, [3]float64{1, 1, 1})
	_, err := engine.Predict(ctx, sess, v, desc, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
