// Package img2ts converts image product archives into cell time series, one
// netCDF file per 5 degree grid cell, and extends existing series with newly
// arrived images.
package img2ts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/TUW-GEO/smos/internal/cellfile"
	"github.com/TUW-GEO/smos/internal/ease"
	"github.com/TUW-GEO/smos/internal/overview"
	"github.com/TUW-GEO/smos/internal/product"
)

// DefaultImgBuffer is the number of images read before their rows are
// flushed to the cell files.
const DefaultImgBuffer = 100

var (
	// ErrPrepend flags a conversion that starts on or before the last day
	// already stored. Series only grow forward.
	ErrPrepend = errors.New("img2ts: cannot prepend data to a time series, or replace existing values")

	// ErrTimestampMode flags a run that mixes images carrying one timestamp
	// per image with images carrying one timestamp per observation.
	ErrTimestampMode = errors.New("img2ts: images cannot switch between a fixed image timestamp and individual timestamps for each observation")

	// ErrNoSummary flags an extend target without an overview sidecar.
	ErrNoSummary = errors.New("img2ts: time series directory has no " + overview.Filename)
)

// Options configure one conversion run.
type Options struct {
	// InputRoot is the image archive, OutDir the time series directory.
	InputRoot string
	OutDir    string

	// Spec identifies the image product under InputRoot.
	Spec product.Spec

	// Grid restricts the conversion to its active points. Nil means the
	// whole globe.
	Grid *ease.Grid

	// Start and End bound the converted period, both days inclusive.
	Start time.Time
	End   time.Time

	// Parameters are the variables to store. Empty derives them from the
	// first image found.
	Parameters []string

	// Flags are the quality flag values accepted as valid. Nil stores
	// values unfiltered.
	Flags []float64

	// ImgBuffer is the number of images held in memory between flushes.
	ImgBuffer int

	Logger   *slog.Logger
	Progress bool
}

// Reshuffle converts the images between Start and End into cell time series
// under OutDir, creating the directory, its grid file and overview sidecar.
func Reshuffle(opt Options) error {
	c, err := newConverter(opt)
	if err != nil {
		return err
	}
	if err := c.checkPrepend(); err != nil {
		return err
	}
	return c.run()
}

// Extend appends all images newer than the overview's last day to the
// existing series. It is a no-op when no newer images exist.
func Extend(opt Options) error {
	props, err := overview.Read(opt.OutDir)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoSummary, opt.OutDir)
	} else if err != nil {
		return err
	}
	last, err := props.LastDayTime()
	if err != nil {
		return fmt.Errorf("img2ts: overview of %s: %w", opt.OutDir, err)
	}
	_, avail, err := product.FirstLastDays(opt.InputRoot)
	if err != nil {
		return err
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !avail.After(last) {
		logger.Info("Time series are up to date", "last_day", props.LastDay)
		return nil
	}
	opt.Start = last.AddDate(0, 0, 1)
	opt.End = avail
	if len(opt.Parameters) == 0 {
		opt.Parameters = props.Parameters
	}
	c, err := newConverter(opt)
	if err != nil {
		return err
	}
	return c.run()
}

// converter holds one run's resolved configuration: the variable list and
// attributes from a probe read of the first image, plus the cut grid mapping
// active points to cells.
type converter struct {
	opt    Options
	cut    *ease.CutGrid
	ds     *product.Dataset
	names  []string
	attrs  map[string]product.VarAttrs
	global map[string]any
	logger *slog.Logger
}

func newConverter(opt Options) (*converter, error) {
	if opt.Grid == nil {
		opt.Grid = ease.Global()
	}
	if opt.ImgBuffer <= 0 {
		opt.ImgBuffer = DefaultImgBuffer
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}

	first, err := product.FirstFile(opt.InputRoot)
	if err != nil {
		return nil, fmt.Errorf("img2ts: no images under %s: %w", opt.InputRoot, err)
	}
	ts, err := product.DateSegment(filepath.Base(first))
	if err != nil {
		return nil, fmt.Errorf("img2ts: first image %s: %w", first, err)
	}
	probe := product.NewReader(opt.Spec, opt.Grid, opt.Parameters, nil)
	img, err := probe.ReadFile(first, ts)
	if err != nil {
		return nil, fmt.Errorf("img2ts: probing %s: %w", first, err)
	}

	names := img.Names()
	attrs := make(map[string]product.VarAttrs, len(names))
	for _, name := range names {
		va := make(product.VarAttrs, len(img.Attrs[name]))
		for k, v := range img.Attrs[name] {
			if k != product.MissingKey {
				va[k] = v
			}
		}
		attrs[name] = va
	}

	return &converter{
		opt:    opt,
		cut:    opt.Grid.Cut(),
		ds:     product.NewDataset(opt.InputRoot, opt.Spec, opt.Grid, names, opt.Flags, opt.Logger),
		names:  names,
		attrs:  attrs,
		global: product.InheritedGlobalAttrs(img.Global),
		logger: opt.Logger,
	}, nil
}

// checkPrepend refuses a run into a directory whose series already reach the
// requested start.
func (c *converter) checkPrepend() error {
	props, err := overview.Read(c.opt.OutDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	last, err := props.LastDayTime()
	if err != nil {
		return fmt.Errorf("img2ts: overview of %s: %w", c.opt.OutDir, err)
	}
	if !c.opt.Start.After(last) {
		return fmt.Errorf("%w: %s already covers %s", ErrPrepend, c.opt.OutDir, props.LastDay)
	}
	return nil
}

func (c *converter) run() error {
	tss, err := c.ds.Timestamps(c.opt.Start, c.opt.End)
	if err != nil {
		return err
	}
	if len(tss) == 0 {
		return fmt.Errorf("img2ts: no images between %s and %s",
			c.opt.Start.Format(overview.DayLayout), c.opt.End.Format(overview.DayLayout))
	}

	if err := os.MkdirAll(c.opt.OutDir, 0o755); err != nil {
		return err
	}
	gridPath := filepath.Join(c.opt.OutDir, ease.GridFilename)
	if _, err := os.Stat(gridPath); errors.Is(err, fs.ErrNotExist) {
		if err := ease.WriteGridFile(gridPath, c.cut); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	c.logger.Info("Converting images to time series",
		"images", len(tss), "cells", len(c.cut.Cells()), "out", c.opt.OutDir)
	var bar *progressbar.ProgressBar
	if c.opt.Progress {
		bar = progressbar.Default(int64(len(tss)))
	}

	b := newBatch(c.names, c.opt.ImgBuffer)
	var ragged, haveMode bool
	for _, ts := range tss {
		img, err := c.ds.Read(ts)
		if err != nil {
			return err
		}
		m := img.ObsTime != nil
		if !haveMode {
			ragged, haveMode = m, true
		} else if ragged != m {
			return ErrTimestampMode
		}
		b.add(img, c.names)
		if bar != nil {
			_ = bar.Add(1)
		}
		if b.len() >= c.opt.ImgBuffer {
			if err := c.flush(b, ragged); err != nil {
				return err
			}
			b = newBatch(c.names, c.opt.ImgBuffer)
		}
	}
	if err := c.flush(b, ragged); err != nil {
		return err
	}

	props := overview.Props{
		FirstDay:   tss[0].Format(overview.DayLayout),
		LastDay:    tss[len(tss)-1].Format(overview.DayLayout),
		Parameters: c.names,
	}
	if prev, err := overview.Read(c.opt.OutDir); err == nil && prev.FirstDay != "" {
		props.FirstDay = prev.FirstDay
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return overview.Write(c.opt.OutDir, props)
}

// batch buffers the rows of up to ImgBuffer images. Each flush window gets
// its own batch so the flushed window's image slices are released whole.
type batch struct {
	times    []time.Time
	rows     map[string][][]float32
	obsTimes [][]float64
}

func newBatch(names []string, capacity int) *batch {
	rows := make(map[string][][]float32, len(names))
	for _, name := range names {
		rows[name] = make([][]float32, 0, capacity)
	}
	return &batch{times: make([]time.Time, 0, capacity), rows: rows}
}

func (b *batch) add(img *product.Image, names []string) {
	b.times = append(b.times, img.Timestamp)
	for _, name := range names {
		b.rows[name] = append(b.rows[name], img.Data[name])
	}
	if img.ObsTime != nil {
		b.obsTimes = append(b.obsTimes, img.ObsTime)
	}
}

func (b *batch) len() int { return len(b.times) }

func (c *converter) flush(b *batch, ragged bool) error {
	if b.len() == 0 {
		return nil
	}
	if ragged {
		return c.flushRagged(b.rows, b.obsTimes)
	}
	return c.flushOrtho(b.times, b.rows)
}

// flushOrtho appends the buffered rows to the orthogonal cell files, one
// record per image. Image rows follow the cut grid's point order, so a cell
// column is gathered by local point index.
func (c *converter) flushOrtho(times []time.Time, rows map[string][][]float32) error {
	days := make([]float64, len(times))
	for i, t := range times {
		days[i] = cellfile.Days1900(t)
	}
	for _, cell := range c.cut.Cells() {
		pts := c.cut.PointsInCell(cell)
		data := make(map[string][][]float32, len(c.names))
		for _, name := range c.names {
			src := rows[name]
			cols := make([][]float32, len(src))
			for i, full := range src {
				row := make([]float32, len(pts))
				for j, p := range pts {
					row[j] = full[p]
				}
				cols[i] = row
			}
			data[name] = cols
		}
		path := filepath.Join(c.opt.OutDir, cellfile.Filename(cell))
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if err := cellfile.WriteOrtho(path, c.locations(pts), days, data, c.attrs, c.global); err != nil {
				return fmt.Errorf("img2ts: cell %04d: %w", cell, err)
			}
		} else if err != nil {
			return err
		} else if err := cellfile.AppendOrtho(path, days, data); err != nil {
			return fmt.Errorf("img2ts: cell %04d: %w", cell, err)
		}
	}
	return nil
}

// flushRagged appends the buffered observations to the indexed ragged cell
// files. Points without a valid observation time contribute no rows, and a
// cell untouched by the whole batch gets no file.
func (c *converter) flushRagged(rows map[string][][]float32, obsTimes [][]float64) error {
	for _, cell := range c.cut.Cells() {
		pts := c.cut.PointsInCell(cell)
		batch := cellfile.RaggedObs{Data: make(map[string][]float32, len(c.names))}
		for i := range obsTimes {
			for j, p := range pts {
				o := obsTimes[i][p]
				if math.IsNaN(o) {
					continue
				}
				batch.LocIndex = append(batch.LocIndex, int32(j))
				batch.Times = append(batch.Times, o+cellfile.EpochOffset)
				for _, name := range c.names {
					batch.Data[name] = append(batch.Data[name], rows[name][i][p])
				}
			}
		}
		path := filepath.Join(c.opt.OutDir, cellfile.Filename(cell))
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if batch.Len() == 0 {
				continue
			}
			if err := cellfile.WriteRagged(path, c.locations(pts), batch, c.attrs, c.global); err != nil {
				return fmt.Errorf("img2ts: cell %04d: %w", cell, err)
			}
		} else if err != nil {
			return err
		} else if err := cellfile.AppendRagged(path, batch); err != nil {
			return fmt.Errorf("img2ts: cell %04d: %w", cell, err)
		}
	}
	return nil
}

func (c *converter) locations(pts []int32) cellfile.Locations {
	loc := cellfile.Locations{
		IDs:  append([]int32(nil), pts...),
		Lons: make([]float64, len(pts)),
		Lats: make([]float64, len(pts)),
	}
	for i, p := range pts {
		loc.Lons[i] = c.cut.Lon(p)
		loc.Lats[i] = c.cut.Lat(p)
	}
	return loc
}
