package product

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ctessum/cdf"

	"github.com/TUW-GEO/smos/internal/ease"
)

// StackTimeUnits is the units string of the timestamp variable in subset
// image stacks.
const StackTimeUnits = "Days since 2000-01-01 00:00:00"

// Epoch2000 is the reference time of stack timestamps and of per observation
// times.
var Epoch2000 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// DaysSince2000 converts a time to fractional days since Epoch2000.
func DaysSince2000(t time.Time) float64 {
	return t.Sub(Epoch2000).Hours() / 24
}

// FromDaysSince2000 converts fractional days since Epoch2000 back to a time.
func FromDaysSince2000(d float64) time.Time {
	return Epoch2000.Add(time.Duration(d * 24 * float64(time.Hour))).Round(time.Millisecond)
}

// droppedGlobalAttrs are source attributes tied to the original file itself,
// not to the data, and are not copied into derived files.
var droppedGlobalAttrs = map[string]bool{
	"ease_global":   true,
	"history":       true,
	"creation_time": true,
	"NCO":           true,
}

// InheritedGlobalAttrs returns the image's global attributes worth carrying
// into a derived file.
func InheritedGlobalAttrs(global map[string]any) map[string]any {
	out := make(map[string]any, len(global))
	for k, v := range global {
		if !droppedGlobalAttrs[k] {
			out[k] = v
		}
	}
	return out
}

// Write appends the most recently read image to the netCDF stack at path,
// creating the stack on first use. The stack grows along an unlimited
// timestamp dimension over the active points of the dataset's grid.
func (d *Dataset) Write(path string) error {
	if d.last == nil {
		return ErrNoImageLoaded
	}
	if d.last.Timestamp.IsZero() {
		return fmt.Errorf("%w: image has no timestamp", ErrNoImageLoaded)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return createStack(path, d.last, d.reader.grid.ActiveGPIs())
	} else if err != nil {
		return err
	}
	return appendStack(path, d.last)
}

func createStack(path string, img *Image, gpis []int32) error {
	names := img.Names()
	n := len(img.Lon)

	h := cdf.NewHeader([]string{"timestamp", "gpi"}, []int{0, n})
	h.AddVariable("timestamp", []string{"timestamp"}, []float64{0})
	h.AddAttribute("timestamp", "long_name", "timestamp")
	h.AddAttribute("timestamp", "units", StackTimeUnits)
	h.AddVariable("gpi", []string{"gpi"}, []float64{0})
	h.AddAttribute("gpi", "long_name", "grid_point_index")
	h.AddAttribute("gpi", "units", "#")
	h.AddAttribute("gpi", "valid_range", []int32{0, ease.NumPoints - 1})
	for _, name := range names {
		h.AddVariable(name, []string{"timestamp", "gpi"}, []float32{0})
		for _, k := range sortedKeys(img.Attrs[name]) {
			PutAttr(h, name, k, img.Attrs[name][k])
		}
	}
	inherited := InheritedGlobalAttrs(img.Global)
	for _, k := range sortedKeys(inherited) {
		PutAttr(h, "", k, inherited[k])
	}
	latMin, latMax := minMax(img.Lat)
	lonMin, lonMax := minMax(img.Lon)
	h.AddAttribute("", "subset_img_creation_time", time.Now().Format("2006-01-02 15:04:05"))
	h.AddAttribute("", "subset_img_bbox_corners_latlon",
		fmt.Sprintf("[%g, %g, %g, %g]", latMin, lonMin, latMax, lonMax))
	h.AddAttribute("", "subset_software", "github.com/TUW-GEO/smos")
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

	fgpi := make([]float64, n)
	for i, g := range gpis {
		fgpi[i] = float64(g)
	}
	w := nc.Writer("gpi", []int{0}, []int{n})
	if _, err := w.Write(fgpi); err != nil {
		return fmt.Errorf("writing gpi of %s: %w", path, err)
	}
	return appendStackRecord(nc, f, 0, img, names)
}

func appendStack(path string, img *Image) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		return fmt.Errorf("opening stack %s: %w", path, err)
	}
	if n := nc.Header.Lengths("gpi")[0]; n != len(img.Lon) {
		return fmt.Errorf("stack %s holds %d points, image has %d", path, n, len(img.Lon))
	}
	have := make(map[string]bool)
	for _, v := range nc.Header.Variables() {
		have[v] = true
	}
	names := img.Names()
	for _, name := range names {
		if !have[name] {
			return fmt.Errorf("stack %s has no variable %s, cannot append", path, name)
		}
	}
	at := nc.Header.Lengths("timestamp")[0]
	return appendStackRecord(nc, f, at, img, names)
}

func appendStackRecord(nc *cdf.File, f *os.File, at int, img *Image, names []string) error {
	w := nc.Writer("timestamp", []int{at}, []int{at + 1})
	if _, err := w.Write([]float64{DaysSince2000(img.Timestamp)}); err != nil {
		return fmt.Errorf("writing timestamp: %w", err)
	}
	n := len(img.Lon)
	for _, name := range names {
		w := nc.Writer(name, []int{at, 0}, []int{at + 1, n})
		if _, err := w.Write(img.Data[name]); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return cdf.UpdateNumRecs(f)
}

// PutAttr stores one attribute on a header, converting the value forms the
// netCDF reader produces into ones the classic writer accepts. Unknown types
// are stored as strings.
func PutAttr(h *cdf.Header, varName, attrName string, val any) {
	switch x := val.(type) {
	case string:
		h.AddAttribute(varName, attrName, x)
	case float32:
		h.AddAttribute(varName, attrName, []float32{x})
	case float64:
		h.AddAttribute(varName, attrName, []float64{x})
	case int8:
		h.AddAttribute(varName, attrName, []int32{int32(x)})
	case uint8:
		h.AddAttribute(varName, attrName, []int32{int32(x)})
	case int16:
		h.AddAttribute(varName, attrName, []int32{int32(x)})
	case int32:
		h.AddAttribute(varName, attrName, []int32{x})
	case int64:
		h.AddAttribute(varName, attrName, []int32{int32(x)})
	case int:
		h.AddAttribute(varName, attrName, []int32{int32(x)})
	case []float32:
		h.AddAttribute(varName, attrName, x)
	case []float64:
		h.AddAttribute(varName, attrName, x)
	case []int32:
		h.AddAttribute(varName, attrName, x)
	case []int16:
		out := make([]int32, len(x))
		for i, v := range x {
			out[i] = int32(v)
		}
		h.AddAttribute(varName, attrName, out)
	case []int64:
		out := make([]int32, len(x))
		for i, v := range x {
			out[i] = int32(v)
		}
		h.AddAttribute(varName, attrName, out)
	default:
		h.AddAttribute(varName, attrName, fmt.Sprint(x))
	}
}

func minMax(vals []float64) (lo, hi float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	lo, hi = vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
