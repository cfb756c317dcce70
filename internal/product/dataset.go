package product

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/TUW-GEO/smos/internal/ease"
)

// ErrNoImageLoaded reports a stack write without a previously read image.
var ErrNoImageLoaded = errors.New("product: no image loaded, read one before writing")

// Dataset iterates one product's image files over a date range.
type Dataset struct {
	root   string
	spec   Spec
	reader *Reader
	logger *slog.Logger
	last   *Image
}

// NewDataset builds a dataset over the image files under root. The reader
// arguments are passed through to NewReader.
func NewDataset(root string, spec Spec, grid *ease.Grid, params []string, flags []float64, logger *slog.Logger) *Dataset {
	return &Dataset{
		root:   root,
		spec:   spec,
		reader: NewReader(spec, grid, params, flags),
		logger: logger,
	}
}

// Spec returns the product the dataset iterates.
func (d *Dataset) Spec() Spec { return d.spec }

// Reader returns the dataset's file reader.
func (d *Dataset) Reader() *Reader { return d.reader }

// Timestamps lists the image timestamps between two days, both inclusive.
// Daily products get one timestamp per day whether or not a file exists, so
// gaps surface as placeholder images. Products with per observation timing
// get one timestamp per file found, parsed from the file name.
func (d *Dataset) Timestamps(start, end time.Time) ([]time.Time, error) {
	start, end = day(start), day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("period end %s before start %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	var out []time.Time
	for ts := start; !ts.After(end); ts = ts.AddDate(0, 0, 1) {
		if !d.spec.ObsTimed {
			out = append(out, ts)
			continue
		}
		for _, m := range d.matches(ts) {
			st, err := DateSegment(filepath.Base(m))
			if err != nil {
				d.logger.Warn("Skipping file without a parseable date",
					"file", filepath.Base(m), "err", err)
				continue
			}
			out = append(out, st)
		}
	}
	return out, nil
}

// Path returns the file of one timestamp, or "" when none exists.
func (d *Dataset) Path(ts time.Time) string {
	if m := d.matches(ts); len(m) > 0 {
		return m[0]
	}
	return ""
}

func (d *Dataset) matches(ts time.Time) []string {
	matches, err := filepath.Glob(filepath.Join(d.spec.Dir(d.root, ts), d.spec.Glob(ts)))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// Read loads the image of one timestamp. A missing file degrades to the
// placeholder image with a warning, every other failure is returned.
func (d *Dataset) Read(ts time.Time) (*Image, error) {
	img, err := d.reader.ReadFile(d.Path(ts), ts)
	if errors.Is(err, ErrImageMissing) {
		d.logger.Warn("Could not find an image, substituting an empty one",
			"timestamp", ts, "err", err)
		img = d.reader.Empty(ts)
	} else if err != nil {
		return nil, err
	}
	d.last = img
	return img, nil
}

// FirstFile returns the first image file under the dataset root.
func (d *Dataset) FirstFile() (string, error) {
	return FirstFile(d.root)
}

// WriteMultiple reads every image of the period and writes each one to a
// subset netCDF file under outRoot, mirroring the year level of the input
// tree. A non empty stack path appends all images to that single stack file
// instead. Timestamps without a file are skipped with a warning.
func (d *Dataset) WriteMultiple(outRoot string, start, end time.Time, stack string) error {
	tss, err := d.Timestamps(start, end)
	if err != nil {
		return err
	}
	for _, ts := range tss {
		path := d.Path(ts)
		if path == "" {
			d.logger.Warn("No image file for timestamp, skipping", "timestamp", ts)
			continue
		}
		img, err := d.reader.ReadFile(path, ts)
		if errors.Is(err, ErrImageMissing) {
			d.logger.Warn("Image file vanished, skipping", "timestamp", ts, "err", err)
			continue
		}
		if err != nil {
			return err
		}
		d.last = img
		target := stack
		if target == "" {
			dir := filepath.Join(outRoot, ts.Format("2006"))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			target = filepath.Join(dir, filepath.Base(path))
		}
		if err := d.Write(target); err != nil {
			return err
		}
	}
	return nil
}
