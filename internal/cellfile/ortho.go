// Package cellfile reads and writes the per-cell netCDF files of a
// time-series store. Daily products use the orthogonal layout, one record per
// image shared by all points of the cell. Products with per observation
// timing use the indexed ragged layout, one record per observation tagged
// with its location.
package cellfile

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ctessum/cdf"

	"github.com/TUW-GEO/smos/internal/product"
)

// Filename returns the store file name of a cell.
func Filename(cell int32) string { return fmt.Sprintf("%04d.nc", cell) }

// TimeUnits is the units string of the time variable in cell files.
const TimeUnits = "days since 1900-01-01 00:00:00"

// Variables carrying the exact acquisition time of per observation products.
const (
	DayCountVar = "Days"
	SecondsVar  = "UTC_Seconds"
)

var epoch1900 = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Days1900 converts a time to fractional days since 1900-01-01.
func Days1900(t time.Time) float64 {
	return t.Sub(epoch1900).Hours() / 24
}

// FromDays1900 converts fractional days since 1900-01-01 back to a time.
func FromDays1900(d float64) time.Time {
	return epoch1900.Add(time.Duration(d * 24 * float64(time.Hour))).Round(time.Millisecond)
}

// EpochOffset is the day distance from the cell file epoch to the
// observation time epoch.
var EpochOffset = product.Epoch2000.Sub(epoch1900).Hours() / 24

// Locations identifies the points of one cell in store order.
type Locations struct {
	IDs  []int32
	Lons []float64
	Lats []float64
}

func locationHeader(names []string, recDim string, n int, attrs map[string]product.VarAttrs, global map[string]any) *cdf.Header {
	h := cdf.NewHeader([]string{recDim, "locations"}, []int{0, n})
	h.AddVariable("time", []string{recDim}, []float64{0})
	h.AddAttribute("time", "long_name", "time of measurement")
	h.AddAttribute("time", "units", TimeUnits)
	h.AddVariable("location_id", []string{"locations"}, []int32{0})
	h.AddAttribute("location_id", "long_name", "grid point index of the location")
	h.AddVariable("lon", []string{"locations"}, []float64{0})
	h.AddAttribute("lon", "long_name", "location longitude")
	h.AddAttribute("lon", "units", "degrees_east")
	h.AddVariable("lat", []string{"locations"}, []float64{0})
	h.AddAttribute("lat", "long_name", "location latitude")
	h.AddAttribute("lat", "units", "degrees_north")
	for _, name := range names {
		if name == "time" || name == "location_id" || name == "lon" || name == "lat" {
			continue
		}
		var dims []string
		if recDim == "time" {
			dims = []string{"time", "locations"}
		} else {
			dims = []string{recDim}
		}
		h.AddVariable(name, dims, []float32{0})
		for _, k := range sortedNames(attrs[name]) {
			product.PutAttr(h, name, k, attrs[name][k])
		}
	}
	for _, k := range sortedNames(global) {
		product.PutAttr(h, "", k, global[k])
	}
	h.AddAttribute("", "featureType", "timeSeries")
	return h
}

func writeLocations(nc *cdf.File, loc Locations) error {
	n := len(loc.IDs)
	for _, v := range []struct {
		name string
		data any
	}{
		{"location_id", loc.IDs},
		{"lon", loc.Lons},
		{"lat", loc.Lats},
	} {
		w := nc.Writer(v.name, []int{0}, []int{n})
		if _, err := w.Write(v.data); err != nil {
			return fmt.Errorf("writing %s: %w", v.name, err)
		}
	}
	return nil
}

// WriteOrtho creates a cell file in the orthogonal layout and writes the
// first batch of image records. data maps each variable to one row per image
// over the cell's points.
func WriteOrtho(path string, loc Locations, times []float64, data map[string][][]float32,
	attrs map[string]product.VarAttrs, global map[string]any) error {
	names := sortedNames(data)
	h := locationHeader(names, "time", len(loc.IDs), attrs, global)
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	nc, err := cdf.Create(f, h)
	if err != nil {
		return err
	}
	if err := writeLocations(nc, loc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := appendOrthoRecords(nc, f, 0, times, data, names, len(loc.IDs)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// AppendOrtho appends image records to an existing orthogonal cell file. The
// variables must match the ones the file was created with.
func AppendOrtho(path string, times []float64, data map[string][][]float32) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		return fmt.Errorf("opening cell file %s: %w", path, err)
	}
	names := sortedNames(data)
	if err := requireVars(nc, names); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	n := nc.Header.Lengths("location_id")[0]
	at := nc.Header.Lengths("time")[0]
	if err := appendOrthoRecords(nc, f, at, times, data, names, n); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func appendOrthoRecords(nc *cdf.File, f *os.File, at int, times []float64,
	data map[string][][]float32, names []string, n int) error {
	k := len(times)
	w := nc.Writer("time", []int{at}, []int{at + k})
	if _, err := w.Write(times); err != nil {
		return fmt.Errorf("writing time: %w", err)
	}
	for _, name := range names {
		rows := data[name]
		if len(rows) != k {
			return fmt.Errorf("variable %s has %d rows for %d times", name, len(rows), k)
		}
		buf := make([]float32, 0, k*n)
		for _, row := range rows {
			if len(row) != n {
				return fmt.Errorf("variable %s row has %d points, cell has %d", name, len(row), n)
			}
			buf = append(buf, row...)
		}
		w := nc.Writer(name, []int{at, 0}, []int{at + k, n})
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return cdf.UpdateNumRecs(f)
}

// OrthoCell is the full contents of one orthogonal cell file. Data arrays
// are flat and time major, one row of len(IDs) points per record.
type OrthoCell struct {
	IDs   []int32
	Lons  []float64
	Lats  []float64
	Times []float64
	Data  map[string][]float32
}

// ReadOrtho loads an orthogonal cell file.
func ReadOrtho(path string) (*OrthoCell, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("opening cell file %s: %w", path, err)
	}
	c := &OrthoCell{Data: make(map[string][]float32)}
	if c.IDs, err = readInts(nc, "location_id"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if c.Lons, err = readDoubles(nc, "lon"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if c.Lats, err = readDoubles(nc, "lat"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if c.Times, err = readDoubles(nc, "time"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, name := range nc.Header.Variables() {
		if isStructuralVar(name) {
			continue
		}
		vals, err := readFloats(nc, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		c.Data[name] = vals
	}
	return c, nil
}

// Column returns one point's series of a variable.
func (c *OrthoCell) Column(name string, pos int) []float32 {
	flat, ok := c.Data[name]
	if !ok {
		return nil
	}
	n := len(c.IDs)
	out := make([]float32, len(c.Times))
	for t := range out {
		out[t] = flat[t*n+pos]
	}
	return out
}

func isStructuralVar(name string) bool {
	switch name {
	case "time", "location_id", "lon", "lat", "locationIndex":
		return true
	}
	return false
}

func requireVars(nc *cdf.File, names []string) error {
	have := make(map[string]bool)
	for _, v := range nc.Header.Variables() {
		have[v] = true
	}
	for _, name := range names {
		if !have[name] {
			return fmt.Errorf("cell file has no variable %s, cannot append", name)
		}
	}
	return nil
}

func readVar(nc *cdf.File, name string) (any, error) {
	for _, v := range nc.Header.Variables() {
		if v == name {
			r := nc.Reader(name, nil, nil)
			buf := r.Zero(-1)
			if _, err := r.Read(buf); err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			return buf, nil
		}
	}
	return nil, fmt.Errorf("variable %s not found", name)
}

func readFloats(nc *cdf.File, name string) ([]float32, error) {
	buf, err := readVar(nc, name)
	if err != nil {
		return nil, err
	}
	vals, ok := buf.([]float32)
	if !ok {
		return nil, fmt.Errorf("variable %s: unexpected type %T", name, buf)
	}
	return vals, nil
}

func readDoubles(nc *cdf.File, name string) ([]float64, error) {
	buf, err := readVar(nc, name)
	if err != nil {
		return nil, err
	}
	vals, ok := buf.([]float64)
	if !ok {
		return nil, fmt.Errorf("variable %s: unexpected type %T", name, buf)
	}
	return vals, nil
}

func readInts(nc *cdf.File, name string) ([]int32, error) {
	buf, err := readVar(nc, name)
	if err != nil {
		return nil, err
	}
	vals, ok := buf.([]int32)
	if !ok {
		return nil, fmt.Errorf("variable %s: unexpected type %T", name, buf)
	}
	return vals, nil
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
