// Package batch fits many trajectories in parallel. Every worker owns a
// private Fitter; the geometry and field are shared read-only.
package batch

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/kftrack/internal/fitter"
	"github.com/banshee-data/kftrack/internal/geo"
	"github.com/banshee-data/kftrack/internal/kf"
	"github.com/banshee-data/kftrack/internal/timeutil"
)

// Factory builds the fitter of one worker.
type Factory func() (*fitter.Fitter, error)

// NewFactory returns a factory for fitters sharing g and field. With
// serializeField set, calls into the field are guarded by one mutex for
// fields that are not safe for concurrent use.
func NewFactory(cfg fitter.Config, g geo.Geometry, field kf.Field, serializeField bool) Factory {
	if serializeField && field != nil {
		field = kf.NewSyncField(field)
	}
	return func() (*fitter.Fitter, error) {
		return fitter.New(cfg, g, field)
	}
}

// Options controls a batch run.
type Options struct {
	// Workers is the pool size; 0 means one per CPU.
	Workers int
	// Clock times the run; nil means the wall clock.
	Clock timeutil.Clock
}

func (o Options) workers(n int) int {
	w := o.Workers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Result is the outcome of one track fit.
type Result struct {
	Index     int
	TrackID   int
	OK        bool
	Err       string // set when the trajectory could not be built
	NHits     int
	ChiSq     float64
	Ndf       int
	ChiSqTime float64
	NdfTime   int
	// First is the fitted state at the first measured node.
	First kf.TrackParam
}

// Summary aggregates a batch run. ChiSq and Ndf sum over the successful
// fits and serve as a cost function for alignment.
type Summary struct {
	RunID     uuid.UUID
	NTracks   int
	NOK       int
	NFailed   int
	ChiSq     float64
	Ndf       int
	ChiSqTime float64
	NdfTime   int
	Duration  time.Duration
}

// Prob returns the chi-square probability of the summed spatial fit
// quality, or 1 without degrees of freedom.
func (s Summary) Prob() float64 {
	if s.Ndf <= 0 {
		return 1
	}
	return distuv.ChiSquared{K: float64(s.Ndf)}.Survival(s.ChiSq)
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	return fmt.Sprintf("run %s: %d tracks, %d ok, %d failed, chi2 %.4g ndf %d, chi2 time %.4g ndf time %d, %s",
		s.RunID, s.NTracks, s.NOK, s.NFailed, s.ChiSq, s.Ndf, s.ChiSqTime, s.NdfTime, s.Duration.Round(time.Millisecond))
}

// FitAll fits the trajectories in place and returns one result per
// trajectory in input order. Cancelling ctx stops dispatching new fits;
// fits already started run to completion.
func FitAll(ctx context.Context, trajs []fitter.Trajectory, newFitter Factory, opts Options) ([]Result, Summary, error) {
	return run(ctx, len(trajs), newFitter, opts, func(f *fitter.Fitter, i int) Result {
		r := Result{Index: i, TrackID: i}
		fitOne(f, &trajs[i], &r)
		return r
	})
}

// FitTracks builds a trajectory for every track and fits it. The returned
// trajectories are in input order.
func FitTracks(ctx context.Context, tracks []fitter.GlobalTrack, newFitter Factory, opts Options) ([]fitter.Trajectory, []Result, Summary, error) {
	trajs := make([]fitter.Trajectory, len(tracks))
	results, sum, err := run(ctx, len(tracks), newFitter, opts, func(f *fitter.Fitter, i int) Result {
		r := Result{Index: i, TrackID: tracks[i].ID}
		tr, err := f.CreateTrajectoryFromTrack(tracks[i])
		if err != nil {
			r.Err = err.Error()
			return r
		}
		trajs[i] = tr
		fitOne(f, &trajs[i], &r)
		return r
	})
	return trajs, results, sum, err
}

func fitOne(f *fitter.Fitter, tr *fitter.Trajectory, r *Result) {
	r.NHits = tr.NHits()
	r.OK = f.FitTrajectory(tr)
	if !r.OK {
		return
	}
	n := tr.FirstHitNode()
	r.First = n.ParamUp
	r.ChiSq = n.ParamUp.ChiSq
	r.Ndf = n.ParamUp.Ndf
	r.ChiSqTime = n.ParamUp.ChiSqTime
	r.NdfTime = n.ParamUp.NdfTime
}

func run(ctx context.Context, n int, newFitter Factory, opts Options, fit func(*fitter.Fitter, int) Result) ([]Result, Summary, error) {
	clock := timeutil.OrReal(opts.Clock)
	start := clock.Now()
	sum := Summary{RunID: uuid.New(), NTracks: n}
	results := make([]Result, n)
	if n == 0 {
		return results, sum, nil
	}

	workers := opts.workers(n)
	fitters := make([]*fitter.Fitter, workers)
	for w := range fitters {
		f, err := newFitter()
		if err != nil {
			return nil, sum, fmt.Errorf("failed to create fitter: %w", err)
		}
		fitters[w] = f
	}

	jobs := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for _, f := range fitters {
		g.Go(func() error {
			for i := range jobs {
				results[i] = fit(f, i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, sum, err
	}

	for _, r := range results {
		if !r.OK {
			sum.NFailed++
			continue
		}
		sum.NOK++
		sum.ChiSq += r.ChiSq
		sum.Ndf += r.Ndf
		sum.ChiSqTime += r.ChiSqTime
		sum.NdfTime += r.NdfTime
	}
	sum.Duration = clock.Since(start)
	return results, sum, nil
}
