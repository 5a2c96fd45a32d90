// Package runstore persists runs and aggregate datasets as CSV files in the
// raw, processed and average data folders, and indexes them in the run
// catalog when one is configured.
package runstore

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/fts.report/internal/interferogram"
)

// ErrBadHeader is returned when a file does not start with the expected
// column layout.
var ErrBadHeader = errors.New("unexpected csv header")

// Column layouts. Every run row carries the time slot its sample was
// attributed to.
var (
	RunColumns       = []string{"Start", "Mirror Position", "Voltage (V)", "End"}
	AggregateColumns = []string{"Mirror Position", "Mean Voltage (V)", "Count"}
)

const (
	stampLayout = "2006-01-02_15-04-05"
	timeLayout  = time.RFC3339Nano
)

// RawFileName is the file name of the raw run that started at start.
func RawFileName(start time.Time) string {
	return start.Format(stampLayout) + "_raw_data.csv"
}

// ProcessedFileName is the file name of the processed run derived from the
// raw run that started at start.
func ProcessedFileName(start time.Time) string {
	return start.Format(stampLayout) + "_processed_data.csv"
}

// AggregateFileName is the file name of an aggregate created at now.
func AggregateFileName(now time.Time) string {
	return "Average_Processed_Data_" + now.Format(stampLayout) + ".csv"
}

// WriteRun writes a raw run to path.
func WriteRun(run *interferogram.RawRun, path string) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return writeFile(path, func(w *csv.Writer) error {
		return encodeSamples(w, run.StartTime, run.EndTime, run.Position, run.Voltage)
	})
}

// WriteProcessedRun writes a processed run to path in the raw run layout
// with the detrended voltage in the voltage column.
func WriteProcessedRun(run *interferogram.ProcessedRun, path string) error {
	if len(run.Positions) != len(run.DetrendedVoltage) {
		return fmt.Errorf("write %s: %d positions but %d voltages", path, len(run.Positions), len(run.DetrendedVoltage))
	}
	return writeFile(path, func(w *csv.Writer) error {
		return encodeSamples(w, run.StartTime, run.EndTime, run.Positions, run.DetrendedVoltage)
	})
}

// WriteAggregate writes an aggregate dataset to path.
func WriteAggregate(ds *interferogram.AggregateDataset, path string) error {
	n := ds.Len()
	if len(ds.MeanVoltage) != n || len(ds.Counts) != n {
		return fmt.Errorf("write %s: misaligned dataset", path)
	}
	return writeFile(path, func(w *csv.Writer) error {
		if err := w.Write(AggregateColumns); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := w.Write([]string{
				formatFloat(ds.Positions[i]),
				formatFloat(ds.MeanVoltage[i]),
				strconv.Itoa(ds.Counts[i]),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadRun reads a raw run written by WriteRun. The start and end times are
// the first row's Start and the last row's End.
func ReadRun(path string) (*interferogram.RawRun, error) {
	s, err := readSamples(path)
	if err != nil {
		return nil, err
	}
	return &interferogram.RawRun{
		Position:  s.positions,
		Voltage:   s.voltages,
		StartTime: s.start,
		EndTime:   s.end,
	}, nil
}

// ReadProcessedRun reads a processed run written by WriteProcessedRun.
func ReadProcessedRun(path string) (*interferogram.ProcessedRun, error) {
	s, err := readSamples(path)
	if err != nil {
		return nil, err
	}
	return &interferogram.ProcessedRun{
		Positions:        s.positions,
		DetrendedVoltage: s.voltages,
		StartTime:        s.start,
		EndTime:          s.end,
	}, nil
}

// ReadAggregate reads an aggregate written by WriteAggregate. RunCount is
// not stored in the file and is left at zero.
func ReadAggregate(path string) (*interferogram.AggregateDataset, error) {
	records, err := readRecords(path, AggregateColumns)
	if err != nil {
		return nil, err
	}
	ds := &interferogram.AggregateDataset{}
	for i, rec := range records {
		p, err1 := strconv.ParseFloat(rec[0], 64)
		v, err2 := strconv.ParseFloat(rec[1], 64)
		c, err3 := strconv.Atoi(rec[2])
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		ds.Positions = append(ds.Positions, p)
		ds.MeanVoltage = append(ds.MeanVoltage, v)
		ds.Counts = append(ds.Counts, c)
	}
	return ds, nil
}

func encodeSamples(w *csv.Writer, start, end time.Time, positions, voltages []float64) error {
	if err := w.Write(RunColumns); err != nil {
		return err
	}
	for i, slot := range interferogram.Intervals(start, end, len(positions)) {
		if err := w.Write([]string{
			slot.Start.UTC().Format(timeLayout),
			formatFloat(positions[i]),
			formatFloat(voltages[i]),
			slot.End.UTC().Format(timeLayout),
		}); err != nil {
			return err
		}
	}
	return nil
}

type samples struct {
	positions []float64
	voltages  []float64
	start     time.Time
	end       time.Time
}

func readSamples(path string) (samples, error) {
	var s samples
	records, err := readRecords(path, RunColumns)
	if err != nil {
		return s, err
	}
	for i, rec := range records {
		p, err1 := strconv.ParseFloat(rec[1], 64)
		v, err2 := strconv.ParseFloat(rec[2], 64)
		if err := errors.Join(err1, err2); err != nil {
			return s, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		if i == 0 {
			if s.start, err = time.Parse(timeLayout, rec[0]); err != nil {
				return s, fmt.Errorf("%s row %d: %w", path, i+2, err)
			}
		}
		if i == len(records)-1 {
			if s.end, err = time.Parse(timeLayout, rec[3]); err != nil {
				return s, fmt.Errorf("%s row %d: %w", path, i+2, err)
			}
		}
		s.positions = append(s.positions, p)
		s.voltages = append(s.voltages, v)
	}
	return s, nil
}

func readRecords(path string, header []string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	first, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: %w: empty file", path, ErrBadHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range header {
		if first[i] != header[i] {
			return nil, fmt.Errorf("%s: %w: column %d is %q, want %q", path, ErrBadHeader, i, first[i], header[i])
		}
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// writeFile writes through a temporary file in the target folder and
// renames it into place, so readers never observe a partial file.
func writeFile(path string, encode func(*csv.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := encode(w); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
