package batch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/kftrack/internal/fitter"
	"github.com/banshee-data/kftrack/internal/geo"
	"github.com/banshee-data/kftrack/internal/kf"
	"github.com/banshee-data/kftrack/internal/testutil"
	"github.com/banshee-data/kftrack/internal/timeutil"
)

func TestFitTracksMatchesSequential(t *testing.T) {
	t.Parallel()

	layers := testutil.TelescopeLayers(6, 30, 10, 0.003)
	setup, err := geo.NewSetup(layers)
	require.NoError(t, err)
	tracks := testutil.RandomTracks(40, layers, 7)
	factory := NewFactory(fitter.DefaultConfig(), setup, kf.UniformField{By: 5}, true)

	trajs, results, sum, err := FitTracks(context.Background(), tracks, factory, Options{Workers: 4})
	require.NoError(t, err)
	require.Len(t, results, len(tracks))
	require.Len(t, trajs, len(tracks))

	assert.Equal(t, len(tracks), sum.NTracks)
	assert.Equal(t, len(tracks), sum.NOK)
	assert.Zero(t, sum.NFailed)
	assert.Equal(t, len(tracks)*(2*6-5), sum.Ndf)
	assert.Equal(t, len(tracks)*(6-2), sum.NdfTime)
	assert.Greater(t, sum.ChiSq, 0.0)
	assert.NotEqual(t, [16]byte{}, [16]byte(sum.RunID))

	// the same fits done one by one give identical results
	f, err := factory()
	require.NoError(t, err)
	for i, track := range tracks {
		assert.Equal(t, i, results[i].Index)
		assert.Equal(t, track.ID, results[i].TrackID)
		assert.Equal(t, 6, results[i].NHits)

		tr, err := f.CreateTrajectoryFromTrack(track)
		require.NoError(t, err)
		require.True(t, f.FitTrajectory(&tr))
		if diff := cmp.Diff(tr, trajs[i]); diff != "" {
			t.Fatalf("track %d differs from sequential fit (-want +got):\n%s", i, diff)
		}
		assert.Equal(t, tr.FirstHitNode().ParamUp.ChiSq, results[i].ChiSq)
	}
}

func TestFitAll(t *testing.T) {
	t.Parallel()

	layers := testutil.TelescopeLayers(4, 10, 10, 0)
	setup, err := geo.NewSetup(layers)
	require.NoError(t, err)
	factory := NewFactory(fitter.DefaultConfig(), setup, nil, false)

	f, err := factory()
	require.NoError(t, err)
	var trajs []fitter.Trajectory
	for _, track := range testutil.RandomTracks(9, layers, 3) {
		tr, err := f.CreateTrajectoryFromTrack(track)
		require.NoError(t, err)
		trajs = append(trajs, tr)
	}
	trajs = append(trajs, fitter.Trajectory{})

	clock := timeutil.NewSteppingClock(time.Unix(0, 0), 250*time.Millisecond)
	results, sum, err := FitAll(context.Background(), trajs, factory, Options{Clock: clock})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, sum.Duration)
	assert.Equal(t, 10, sum.NTracks)
	assert.Equal(t, 9, sum.NOK)
	assert.Equal(t, 1, sum.NFailed)
	assert.False(t, results[9].OK)
	for i := 0; i < 9; i++ {
		assert.True(t, results[i].OK)
		assert.True(t, trajs[i].IsFitted)
	}
	assert.Equal(t, 9*(2*4-5), sum.Ndf)
}

func TestFitTracksBadTrack(t *testing.T) {
	t.Parallel()

	layers := testutil.TelescopeLayers(3, 10, 10, 0)
	setup, err := geo.NewSetup(layers)
	require.NoError(t, err)
	tracks := testutil.RandomTracks(3, layers, 1)
	tracks[1].Hits[0].Detector = geo.DetNone

	_, results, sum, err := FitTracks(context.Background(), tracks, NewFactory(fitter.DefaultConfig(), setup, nil, false), Options{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.NOK)
	assert.Equal(t, 1, sum.NFailed)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Err, "unsupported detector")
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	t.Run("factory", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		_, _, err := FitAll(context.Background(), make([]fitter.Trajectory, 3),
			func() (*fitter.Fitter, error) { return nil, boom }, Options{Workers: 2})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		layers := testutil.TelescopeLayers(3, 10, 10, 0)
		setup, err := geo.NewSetup(layers)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, _, err = FitTracks(ctx, testutil.RandomTracks(1000, layers, 1),
			NewFactory(fitter.DefaultConfig(), setup, nil, false), Options{Workers: 2})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		results, sum, err := FitAll(context.Background(), nil, nil, Options{})
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Zero(t, sum.NTracks)
	})
}

func TestOptionsWorkers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, Options{Workers: 8}.workers(3))
	assert.Equal(t, 2, Options{Workers: 2}.workers(10))
	assert.Equal(t, 1, Options{Workers: 2}.workers(0))
	assert.GreaterOrEqual(t, Options{}.workers(1000), 1)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, Summary{}.Prob())
	assert.InDelta(t, 0.5, Summary{ChiSq: 0.454936, Ndf: 1}.Prob(), 1e-5)

	s := Summary{NTracks: 3, NOK: 2, NFailed: 1, ChiSq: 4.5, Ndf: 6}
	assert.True(t, strings.Contains(s.String(), "3 tracks, 2 ok, 1 failed"), s.String())
}

func TestNewFactorySerializesField(t *testing.T) {
	t.Parallel()

	setup := testutil.Telescope(t, 2, 0, 10, 0)
	f, err := NewFactory(fitter.DefaultConfig(), setup, kf.UniformField{By: 1}, true)()
	require.NoError(t, err)
	assert.Equal(t, 2, f.Geometry().LayerCount())
}
