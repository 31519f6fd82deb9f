package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/kftrack/internal/fitstore"
	"github.com/banshee-data/kftrack/internal/geo"
	"github.com/banshee-data/kftrack/internal/testutil"
)

type setupJSON struct {
	Layers []geo.Layer `json:"layers"`
	Field  [3]float64  `json:"field"`
}

func writeInputs(t *testing.T, nTracks int) (setupPath, tracksPath string) {
	t.Helper()
	dir := t.TempDir()
	layers := testutil.TelescopeLayers(5, 30, 10, 0.003)
	setupPath = testutil.WriteJSON(t, dir, "setup.json", setupJSON{Layers: layers, Field: [3]float64{0, 2, 0}})
	tracksPath = testutil.WriteJSON(t, dir, "tracks.json", testutil.RandomTracks(nTracks, layers, 5))
	return setupPath, tracksPath
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"ok", []string{"-setup", "s.json", "-tracks", "t.json", "-workers", "2"}, ""},
		{"version only", []string{"-version"}, ""},
		{"no setup", []string{"-tracks", "t.json"}, "-setup is required"},
		{"no tracks", []string{"-setup", "s.json"}, "-tracks is required"},
		{"negative workers", []string{"-setup", "s.json", "-tracks", "t.json", "-workers", "-1"}, "non-negative"},
		{"unknown flag", []string{"-bogus"}, "bogus"},
		{"list", []string{"-list", "-db", "f.db"}, ""},
		{"list without db", []string{"-list"}, "need -db"},
		{"delete", []string{"-delete", "2f1c8a4e-7f4b-4c55-9d3a-0c9b1e6f5a10", "-db", "f.db"}, ""},
		{"delete bad id", []string{"-delete", "nope", "-db", "f.db"}, "invalid run id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseFlags(tt.args)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	setupPath, tracksPath := writeInputs(t, 8)
	dbPath := filepath.Join(t.TempDir(), "fits.db")

	var out bytes.Buffer
	err := run(context.Background(), options{
		setupPath:  setupPath,
		tracksPath: tracksPath,
		dbPath:     dbPath,
		workers:    2,
		verbose:    true,
	}, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 9)
	assert.Contains(t, lines[0], "track 0: 5 hits")
	assert.Contains(t, lines[8], "8 tracks, 8 ok, 0 failed")

	store, err := fitstore.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 8, runs[0].NOK)
	results, err := store.ListResults(context.Background(), runs[0].RunID)
	require.NoError(t, err)
	assert.Len(t, results, 8)
}

func TestRunConfigErrors(t *testing.T) {
	t.Parallel()

	setupPath, tracksPath := writeInputs(t, 1)
	dir := t.TempDir()
	badPDG := testutil.WriteJSON(t, dir, "pdg.json", map[string]any{"pdg": 12345})
	badMode := testutil.WriteJSON(t, dir, "mode.json", map[string]any{"field_mode": "magic"})

	tests := []struct {
		name string
		o    options
	}{
		{"missing setup", options{setupPath: filepath.Join(dir, "none.json"), tracksPath: tracksPath}},
		{"missing tracks", options{setupPath: setupPath, tracksPath: filepath.Join(dir, "none.json")}},
		{"tracks not json", options{setupPath: setupPath, tracksPath: "tracks.txt"}},
		{"unknown pdg", options{setupPath: setupPath, tracksPath: tracksPath, configPath: badPDG}},
		{"bad field mode", options{setupPath: setupPath, tracksPath: tracksPath, configPath: badMode}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			assert.Error(t, run(context.Background(), tt.o, &out))
			assert.Empty(t, out.String())
		})
	}
}

func TestRunExamples(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := run(context.Background(), options{
		setupPath:  filepath.Join("..", "..", "config", "setup.example.json"),
		configPath: filepath.Join("..", "..", "config", "fitter.defaults.json"),
		tracksPath: filepath.Join("..", "..", "config", "tracks.example.json"),
	}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1 tracks, 1 ok, 0 failed")
}

func TestManageStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	setupPath, tracksPath := writeInputs(t, 2)
	dbPath := filepath.Join(t.TempDir(), "fits.db")
	o := options{setupPath: setupPath, tracksPath: tracksPath, dbPath: dbPath}
	var out bytes.Buffer
	require.NoError(t, run(ctx, o, &out))
	require.NoError(t, run(ctx, o, &out))

	out.Reset()
	require.NoError(t, manageStore(ctx, options{dbPath: dbPath, list: true}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "schema version 2 (dirty false), 2 runs")
	assert.Contains(t, lines[1], "2 tracks, 2 ok, 0 failed")

	store, err := fitstore.Open(dbPath)
	require.NoError(t, err)
	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 2)

	out.Reset()
	id := runs[0].RunID.String()
	require.NoError(t, manageStore(ctx, options{dbPath: dbPath, deleteID: id, list: true}, &out))
	assert.Contains(t, out.String(), "deleted run "+id)
	assert.Contains(t, out.String(), "1 runs")
	assert.NotContains(t, strings.SplitN(out.String(), "\n", 2)[1], "run "+id)

	err = manageStore(ctx, options{dbPath: dbPath, deleteID: id}, &out)
	assert.ErrorIs(t, err, fitstore.ErrRunNotFound)
}

func TestDescribeSetup(t *testing.T) {
	t.Parallel()

	setup, err := geo.LoadSetup(filepath.Join("..", "..", "config", "setup.example.json"))
	require.NoError(t, err)
	lines := describeSetup(setup)
	require.Len(t, lines, setup.LayerCount())
	assert.Equal(t, "layer 0: mvd/0 z 5 cm, 0.0045 X0", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "layer 2: sts/0 z 30 cm"), lines[2])
	assert.True(t, strings.HasSuffix(lines[2], ", time"), lines[2])
}
