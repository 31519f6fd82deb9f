// Command kffit fits reconstructed tracks with the Kalman filter
// trajectory fitter and prints a run summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/kftrack/internal/batch"
	"github.com/banshee-data/kftrack/internal/config"
	"github.com/banshee-data/kftrack/internal/fitstore"
	"github.com/banshee-data/kftrack/internal/fitter"
	"github.com/banshee-data/kftrack/internal/geo"
	"github.com/banshee-data/kftrack/internal/monitoring"
	"github.com/banshee-data/kftrack/internal/version"
)

type options struct {
	setupPath  string
	configPath string
	tracksPath string
	dbPath     string
	list       bool
	deleteID   string
	workers    int
	verbose    bool
	showVer    bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("kffit", flag.ContinueOnError)
	fs.StringVar(&o.setupPath, "setup", "", "Detector setup (JSON)")
	fs.StringVar(&o.configPath, "config", "", "Fitter configuration (JSON); built-in defaults when empty")
	fs.StringVar(&o.tracksPath, "tracks", "", "Tracks to fit (JSON array)")
	fs.StringVar(&o.dbPath, "db", "", "Store the run in this SQLite database")
	fs.IntVar(&o.workers, "workers", 0, "Number of fit workers, overrides the configuration")
	fs.BoolVar(&o.verbose, "v", false, "Print one line per track")
	fs.BoolVar(&o.list, "list", false, "List the runs stored in -db and exit")
	fs.StringVar(&o.deleteID, "delete", "", "Delete the run with this id from -db and exit")
	fs.BoolVar(&o.showVer, "version", false, "Print the version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.showVer {
		return o, nil
	}
	if o.list || o.deleteID != "" {
		if o.dbPath == "" {
			return o, fmt.Errorf("-list and -delete need -db")
		}
		if o.deleteID != "" {
			if _, err := uuid.Parse(o.deleteID); err != nil {
				return o, fmt.Errorf("invalid run id %q: %w", o.deleteID, err)
			}
		}
		return o, nil
	}
	if o.setupPath == "" {
		return o, fmt.Errorf("-setup is required")
	}
	if o.tracksPath == "" {
		return o, fmt.Errorf("-tracks is required")
	}
	if o.workers < 0 {
		return o, fmt.Errorf("-workers must be non-negative, got %d", o.workers)
	}
	return o, nil
}

func loadTracks(path string) ([]fitter.GlobalTrack, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("tracks file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tracks file: %w", err)
	}
	var tracks []fitter.GlobalTrack
	if err := json.Unmarshal(data, &tracks); err != nil {
		return nil, fmt.Errorf("failed to parse tracks JSON: %w", err)
	}
	return tracks, nil
}

func loadConfig(path string) (*config.FitterConfig, error) {
	if path == "" {
		return config.DefaultFitterConfig(), nil
	}
	return config.LoadFitterConfig(path)
}

// setupRun loads everything a run needs. Its errors are configuration
// errors and end the program.
func setupRun(o options) (*config.FitterConfig, *geo.Setup, batch.Factory, []fitter.GlobalTrack, error) {
	fc, err := loadConfig(o.configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cfg, err := fitter.ConfigFrom(fc)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	setup, err := geo.LoadSetup(o.setupPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	tracks, err := loadTracks(o.tracksPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	monitoring.SetVerbosity(cfg.Verbosity)

	factory := batch.NewFactory(cfg, setup, setup.Field(), false)
	// fail early on a fitter that cannot be built
	if _, err := factory(); err != nil {
		return nil, nil, nil, nil, err
	}
	return fc, setup, factory, tracks, nil
}

// describeSetup returns one line per layer of the setup.
func describeSetup(s *geo.Setup) []string {
	lines := make([]string, 0, s.LayerCount())
	for i := 0; i < s.LayerCount(); i++ {
		l, err := s.Layer(i)
		if err != nil {
			break
		}
		det, station := s.IndexMap().GlobalToLocal(i)
		name := "passive"
		if det != geo.DetNone {
			name = fmt.Sprintf("%s/%d", det, station)
		}
		timed := ""
		if l.ProvidesTime {
			timed = ", time"
		}
		lines = append(lines, fmt.Sprintf("layer %d: %s z %g cm, %.4g X0%s",
			i, name, l.ZRef, l.Material.Mean(), timed))
	}
	return lines
}

func run(ctx context.Context, o options, stdout io.Writer) error {
	fc, setup, factory, tracks, err := setupRun(o)
	if err != nil {
		return err
	}
	if o.verbose {
		for _, l := range describeSetup(setup) {
			log.Print(l)
		}
	}

	workers := o.workers
	if workers == 0 {
		workers = fc.GetWorkers()
	}
	_, results, sum, err := batch.FitTracks(ctx, tracks, factory, batch.Options{Workers: workers})
	if err != nil {
		return err
	}

	if o.verbose {
		for _, r := range results {
			switch {
			case r.Err != "":
				fmt.Fprintf(stdout, "track %d: %s\n", r.TrackID, r.Err)
			case !r.OK:
				fmt.Fprintf(stdout, "track %d: fit failed\n", r.TrackID)
			default:
				fmt.Fprintf(stdout, "track %d: %d hits chi2 %.3f ndf %d p %.3f GeV/c\n",
					r.TrackID, r.NHits, r.ChiSq, r.Ndf, r.First.P())
			}
		}
	}
	fmt.Fprintln(stdout, sum)

	if o.dbPath == "" {
		return nil
	}
	store, err := fitstore.Open(o.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open fit store: %w", err)
	}
	defer store.Close()
	if err := store.SaveRun(ctx, sum, results, fc); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	log.Printf("stored run %s in %s", sum.RunID, o.dbPath)
	return nil
}

// manageStore lists or deletes stored runs.
func manageStore(ctx context.Context, o options, stdout io.Writer) error {
	store, err := fitstore.Open(o.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open fit store: %w", err)
	}
	defer store.Close()

	if o.deleteID != "" {
		id, err := uuid.Parse(o.deleteID)
		if err != nil {
			return err
		}
		if err := store.DeleteRun(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted run %s\n", id)
	}
	if !o.list {
		return nil
	}

	schema, dirty, err := store.MigrateVersion()
	if err != nil {
		return err
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: schema version %d (dirty %t), %d runs\n", o.dbPath, schema, dirty, len(runs))
	for _, r := range runs {
		fmt.Fprintf(stdout, "%s %s\n", r.Created.UTC().Format(time.RFC3339), r.Summary)
	}
	return nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("invalid arguments: %v", err)
	}
	if o.showVer {
		fmt.Println(version.String("kffit"))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.list || o.deleteID != "" {
		if err := manageStore(ctx, o, os.Stdout); err != nil {
			log.Fatalf("kffit: %v", err)
		}
		return
	}
	if err := run(ctx, o, os.Stdout); err != nil {
		log.Fatalf("kffit: %v", err)
	}
}
