package runstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/fts.report/internal/config"
	"github.com/banshee-data/fts.report/internal/db"
	"github.com/banshee-data/fts.report/internal/interferogram"
	"github.com/banshee-data/fts.report/internal/monitoring"
	"github.com/banshee-data/fts.report/internal/timeutil"
)

var logf = monitoring.Component("RunStore")

// Archive stores every run as a CSV file in its data folder. When a catalog
// is attached each file is also indexed there and the catalog ids are
// returned; otherwise the file name without its extension is the id.
type Archive struct {
	RawDir       string
	ProcessedDir string
	AverageDir   string

	catalog *db.DB
	clock   timeutil.Clock

	// mu serialises name allocation so two saves never pick the same file.
	mu sync.Mutex
}

// NewArchive creates the data folders named in cfg. catalog may be nil.
func NewArchive(cfg *config.AcquisitionConfig, catalog *db.DB, clock timeutil.Clock) (*Archive, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	a := &Archive{
		RawDir:       cfg.GetRawDataDir(),
		ProcessedDir: cfg.GetProcessedDataDir(),
		AverageDir:   cfg.GetAverageDataDir(),
		catalog:      catalog,
		clock:        clock,
	}
	for _, dir := range []string{a.RawDir, a.ProcessedDir, a.AverageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data folder: %w", err)
		}
	}
	return a, nil
}

// SaveRawRun writes the run to the raw folder and returns its id.
func (a *Archive) SaveRawRun(ctx context.Context, run *interferogram.RawRun) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := a.write(a.RawDir, RawFileName(run.StartTime), func(p string) error { return WriteRun(run, p) })
	if err != nil {
		return "", err
	}
	id := fileID(path)
	if a.catalog != nil {
		if id, err = a.catalog.InsertRawRun(ctx, run, path); err != nil {
			return "", err
		}
	}
	logf("raw run %s: %d samples -> %s", id, run.Len(), path)
	return id, nil
}

// SaveProcessedRun writes the run to the processed folder, linked to the
// raw run rawID.
func (a *Archive) SaveProcessedRun(ctx context.Context, rawID string, run *interferogram.ProcessedRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := a.write(a.ProcessedDir, ProcessedFileName(run.StartTime), func(p string) error { return WriteProcessedRun(run, p) })
	if err != nil {
		return err
	}
	if a.catalog != nil {
		if _, err := a.catalog.InsertProcessedRun(ctx, rawID, run, path); err != nil {
			return err
		}
	}
	logf("processed run for %s -> %s", rawID, path)
	return nil
}

// SaveAggregate writes the dataset to the average folder and returns its id.
func (a *Archive) SaveAggregate(ctx context.Context, ds *interferogram.AggregateDataset) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := a.clock.Now()
	path, err := a.write(a.AverageDir, AggregateFileName(now), func(p string) error { return WriteAggregate(ds, p) })
	if err != nil {
		return "", err
	}
	id := fileID(path)
	if a.catalog != nil {
		if id, err = a.catalog.InsertAggregate(ctx, ds, path, now); err != nil {
			return "", err
		}
	}
	logf("aggregate %s: %d runs, %d positions -> %s", id, ds.RunCount, ds.Len(), path)
	return id, nil
}

// LatestProcessedRun returns the newest processed run. The catalog is
// consulted first; files written without a catalog are found by name.
func (a *Archive) LatestProcessedRun(ctx context.Context) (*interferogram.ProcessedRun, error) {
	if a.catalog != nil {
		run, _, err := a.catalog.LatestProcessedRun(ctx)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, interferogram.ErrNoRuns) {
			return nil, err
		}
	}
	files, err := csvFiles(a.ProcessedDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, interferogram.ErrNoRuns
	}
	return ReadProcessedRun(files[len(files)-1])
}

// RawRuns reads every raw run file in the raw folder in name order. Files
// that do not parse are logged and skipped.
func (a *Archive) RawRuns(ctx context.Context) ([]*interferogram.RawRun, error) {
	files, err := csvFiles(a.RawDir)
	if err != nil {
		return nil, err
	}
	runs := make([]*interferogram.RawRun, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := ReadRun(f)
		if err != nil {
			logf("skipping %s: %v", f, err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ListRuns returns catalog summaries newest first. Without a catalog the
// data folders are scanned and the file name stands in for the id.
func (a *Archive) ListRuns(ctx context.Context, limit int) ([]db.RunSummary, error) {
	if a.catalog != nil {
		return a.catalog.ListRuns(ctx, limit)
	}
	var out []db.RunSummary
	for _, src := range []struct{ kind, dir string }{
		{db.KindRaw, a.RawDir},
		{db.KindProcessed, a.ProcessedDir},
	} {
		files, err := csvFiles(src.dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			s, err := readSamples(f)
			if err != nil {
				logf("skipping %s: %v", f, err)
				continue
			}
			out = append(out, db.RunSummary{
				ID:        strings.TrimSuffix(filepath.Base(f), ".csv"),
				Kind:      src.kind,
				StartTime: s.start,
				EndTime:   s.end,
				Samples:   len(s.positions),
				CSVPath:   f,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RawRun loads a raw run by id from the catalog, or from the raw folder
// when the id names a file there. Unknown ids wrap db.ErrNotFound.
func (a *Archive) RawRun(ctx context.Context, id string) (*interferogram.RawRun, error) {
	if a.catalog != nil {
		run, err := a.catalog.RawRun(ctx, id)
		if !errors.Is(err, db.ErrNotFound) {
			return run, err
		}
	}
	path, err := a.lookup(a.RawDir, id)
	if err != nil {
		return nil, fmt.Errorf("raw run %s: %w", id, err)
	}
	return ReadRun(path)
}

// ProcessedRun loads a processed run by id, like RawRun.
func (a *Archive) ProcessedRun(ctx context.Context, id string) (*interferogram.ProcessedRun, error) {
	if a.catalog != nil {
		run, err := a.catalog.ProcessedRun(ctx, id)
		if !errors.Is(err, db.ErrNotFound) {
			return run, err
		}
	}
	path, err := a.lookup(a.ProcessedDir, id)
	if err != nil {
		return nil, fmt.Errorf("processed run %s: %w", id, err)
	}
	return ReadProcessedRun(path)
}

// Aggregate loads a saved aggregate by id. RunCount is zero when the
// dataset comes from a file rather than the catalog.
func (a *Archive) Aggregate(ctx context.Context, id string) (*interferogram.AggregateDataset, error) {
	if a.catalog != nil {
		ds, err := a.catalog.Aggregate(ctx, id)
		if !errors.Is(err, db.ErrNotFound) {
			return ds, err
		}
	}
	path, err := a.lookup(a.AverageDir, id)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", id, err)
	}
	return ReadAggregate(path)
}

// lookup resolves a file id inside dir. Ids that are not a bare file name
// never match.
func (a *Archive) lookup(dir, id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", db.ErrNotFound
	}
	path := filepath.Join(dir, id+".csv")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", db.ErrNotFound
	} else if err != nil {
		return "", err
	}
	return path, nil
}

func fileID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".csv")
}

// write picks a free file name in dir and writes it with fn.
func (a *Archive) write(dir, name string, fn func(path string) error) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	path := uniquePath(dir, name)
	if err := fn(path); err != nil {
		return "", err
	}
	return path, nil
}

// uniquePath returns dir/name, or dir/name with a numeric suffix when that
// file already exists. Runs started within the same second share a stamp.
func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(dir, base+"_"+strconv.Itoa(i)+ext)
	}
}

func csvFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
