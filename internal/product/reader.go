package product

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/TUW-GEO/smos/internal/ease"
)

// ErrImageMissing marks an image file that is absent. It is the only
// condition a dataset degrades to a placeholder image, anything else aborts
// the read.
var ErrImageMissing = errors.New("product: image file missing")

// FlagTolerance is the tolerance used to match float coded quality flags.
const FlagTolerance = 1e-6

// Reader reads single product files onto a grid.
type Reader struct {
	spec   Spec
	grid   *ease.Grid
	params []string  // empty means every data variable in the file
	flags  []float64 // nil means no flag filtering

	lonAct, latAct []float64
	rows, cols     int // subset raster shape, zero when not rectangular
}

// NewReader builds a reader for one product on one grid view. params empty
// reads every data variable of each file, flags nil turns flag filtering
// off.
func NewReader(spec Spec, grid *ease.Grid, params []string, flags []float64) *Reader {
	r := &Reader{spec: spec, grid: grid, params: params, flags: flags}
	r.lonAct, r.latAct = grid.ActiveLonLat()
	if grid.Rectangular() {
		r.rows, r.cols = grid.SubsetShape()
	}
	return r
}

// Grid returns the grid view the reader restricts images to.
func (r *Reader) Grid() *ease.Grid { return r.grid }

// Parameters returns the configured variable list, nil when the reader takes
// every data variable from each file.
func (r *Reader) Parameters() []string { return r.params }

// ReadFile loads one image file. A missing file (or an empty path) yields an
// error wrapping ErrImageMissing so the caller can substitute Empty.
func (r *Reader) ReadFile(path string, ts time.Time) (*Image, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no file for %s", ErrImageMissing, ts.Format("2006-01-02 15:04"))
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrImageMissing, path)
		}
		return nil, err
	}
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer nc.Close()
	img, err := r.readGroup(nc, ts)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return img, nil
}

// Empty returns the placeholder image of a timestamp: every configured
// variable all NaN over the active points, marked missing in the metadata.
func (r *Reader) Empty(ts time.Time) *Image {
	n := r.grid.NumActive()
	data := make(map[string][]float32, len(r.params))
	attrs := make(map[string]VarAttrs, len(r.params))
	for _, p := range r.params {
		data[p] = nanFloat32(n)
		attrs[p] = VarAttrs{MissingKey: int32(1)}
	}
	img := &Image{
		Timestamp: ts,
		Lon:       r.lonAct,
		Lat:       r.latAct,
		Data:      data,
		Attrs:     attrs,
		Global:    map[string]any{},
		Missing:   true,
		rows:      r.rows,
		cols:      r.cols,
	}
	if r.spec.ObsTimed {
		img.ObsTime = nanFloat64(n)
	}
	return img
}

func (r *Reader) readGroup(nc api.Group, ts time.Time) (*Image, error) {
	params := r.params
	if len(params) == 0 {
		params = r.defaultParams(nc)
	}
	if len(params) == 0 {
		return nil, errors.New("no data variables found")
	}

	read := params
	flagAdded := false
	if r.flags != nil {
		if r.spec.FlagVar == "" {
			return nil, fmt.Errorf("product %s has no quality flag variable", r.spec.Name)
		}
		if !containsString(read, r.spec.FlagVar) {
			read = append(append([]string{}, params...), r.spec.FlagVar)
			flagAdded = true
		}
	}

	var ids []int32
	if r.spec.PointIndexed {
		var err error
		ids, err = r.readIDs(nc)
		if err != nil {
			return nil, err
		}
	}

	data := make(map[string][]float32, len(read))
	attrs := make(map[string]VarAttrs, len(read))
	for _, name := range read {
		vals, va, err := readActive[float32](r, nc, name, ids)
		if err != nil {
			return nil, err
		}
		va[MissingKey] = int32(0)
		data[name] = vals
		attrs[name] = va
	}

	var rejected []bool
	if r.flags != nil {
		fv := data[r.spec.FlagVar]
		rejected = make([]bool, len(fv))
		for i, v := range fv {
			rejected[i] = !flagAccepted(float64(v), r.flags, r.spec.FloatFlags)
		}
	}

	for name, vals := range data {
		fill, hasFill := attrs[name].FillValue()
		for i, v := range vals {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) ||
				(hasFill && f == fill) ||
				(rejected != nil && rejected[i]) {
				vals[i] = float32(math.NaN())
			}
		}
	}

	var obs []float64
	if r.spec.ObsTimed {
		days, _, err := readActive[float64](r, nc, r.spec.DayVar, ids)
		if err != nil {
			return nil, err
		}
		secs, _, err := readActive[float64](r, nc, r.spec.SecondsVar, ids)
		if err != nil {
			return nil, err
		}
		obs = make([]float64, len(days))
		for i := range obs {
			obs[i] = days[i] + secs[i]/86400
			if rejected != nil && rejected[i] {
				obs[i] = math.NaN()
			}
		}
	}

	if flagAdded {
		delete(data, r.spec.FlagVar)
		delete(attrs, r.spec.FlagVar)
	}

	return &Image{
		Timestamp: ts,
		Lon:       r.lonAct,
		Lat:       r.latAct,
		Data:      data,
		Attrs:     attrs,
		Global:    attrsToMap(nc.Attributes()),
		ObsTime:   obs,
		Missing:   false,
		rows:      r.rows,
		cols:      r.cols,
	}, nil
}

// defaultParams picks the data variables of a file: everything that is not
// one dimensional for raster products, everything over the point dimension
// except ids and coordinates for point indexed ones.
func (r *Reader) defaultParams(nc api.Group) []string {
	var pointDim string
	if r.spec.PointIndexed {
		if vg, err := nc.GetVarGetter(r.spec.IDVar); err == nil && len(vg.Dimensions()) == 1 {
			pointDim = vg.Dimensions()[0]
		}
	}
	var out []string
	for _, name := range nc.ListVariables() {
		vg, err := nc.GetVarGetter(name)
		if err != nil {
			continue
		}
		if r.spec.PointIndexed {
			if name == r.spec.IDVar || isCoordName(name) {
				continue
			}
			if len(vg.Dimensions()) == 1 && (pointDim == "" || vg.Dimensions()[0] == pointDim) {
				out = append(out, name)
			}
		} else if len(vg.Dimensions()) != 1 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func isCoordName(name string) bool {
	switch name {
	case "lat", "lon", "latitude", "longitude", "Latitude", "Longitude":
		return true
	}
	return false
}

func (r *Reader) readIDs(nc api.Group) ([]int32, error) {
	vg, err := nc.GetVarGetter(r.spec.IDVar)
	if err != nil {
		return nil, fmt.Errorf("point ids %s: %w", r.spec.IDVar, err)
	}
	raw, err := vg.Values()
	if err != nil {
		return nil, fmt.Errorf("point ids %s: %w", r.spec.IDVar, err)
	}
	ids, err := asInt32s(raw)
	if err != nil {
		return nil, fmt.Errorf("point ids %s: %w", r.spec.IDVar, err)
	}
	return ids, nil
}

// readActive reads one variable and returns it over the active points of the
// grid in active order. Raster variables are restricted, point indexed ones
// scattered by id; points a file does not cover stay NaN.
func readActive[F float32 | float64](r *Reader, nc api.Group, name string, ids []int32) ([]F, VarAttrs, error) {
	vg, err := nc.GetVarGetter(name)
	if err != nil {
		return nil, nil, fmt.Errorf("variable %s: %w", name, err)
	}
	raw, err := vg.Values()
	if err != nil {
		return nil, nil, fmt.Errorf("variable %s: %w", name, err)
	}
	vals, err := asFloats[F](raw)
	if err != nil {
		return nil, nil, fmt.Errorf("variable %s: %w", name, err)
	}
	va := attrsToVarAttrs(vg.Attributes())

	if r.spec.PointIndexed {
		if len(vals) != len(ids) {
			return nil, nil, fmt.Errorf("variable %s has %d values for %d point ids",
				name, len(vals), len(ids))
		}
		out := nanSlice[F](r.grid.NumActive())
		for k, id := range ids {
			if pos, ok := r.grid.ActivePos(id); ok {
				out[pos] = vals[k]
			}
		}
		return out, va, nil
	}

	rows, cols := r.grid.Shape()
	if len(vals) != rows*cols {
		return nil, nil, fmt.Errorf("variable %s has %d values, the grid raster has %d",
			name, len(vals), rows*cols)
	}
	out := make([]F, r.grid.NumActive())
	for i, gpi := range r.grid.ActiveGPIs() {
		out[i] = vals[gpi]
	}
	return out, va, nil
}

func flagAccepted(v float64, accepted []float64, approx bool) bool {
	for _, a := range accepted {
		if v == a || (approx && math.Abs(v-a) <= FlagTolerance) {
			return true
		}
	}
	return false
}

func attrsToVarAttrs(am api.AttributeMap) VarAttrs {
	out := make(VarAttrs, len(am.Keys()))
	for _, k := range am.Keys() {
		if v, has := am.Get(k); has {
			out[k] = v
		}
	}
	return out
}

func attrsToMap(am api.AttributeMap) map[string]any {
	return map[string]any(attrsToVarAttrs(am))
}

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~float32 | ~float64
}

func castSlice[F float32 | float64, T number](in []T) []F {
	out := make([]F, len(in))
	for i, v := range in {
		out[i] = F(v)
	}
	return out
}

func castFlat[F float32 | float64, T number](in [][]T) []F {
	n := 0
	for _, row := range in {
		n += len(row)
	}
	out := make([]F, 0, n)
	for _, row := range in {
		for _, v := range row {
			out = append(out, F(v))
		}
	}
	return out
}

// asFloats flattens a 1D or 2D numeric slice from the netCDF library into a
// float slice.
func asFloats[F float32 | float64](raw any) ([]F, error) {
	switch v := raw.(type) {
	case []float32:
		return castSlice[F](v), nil
	case []float64:
		return castSlice[F](v), nil
	case []int8:
		return castSlice[F](v), nil
	case []int16:
		return castSlice[F](v), nil
	case []int32:
		return castSlice[F](v), nil
	case []int64:
		return castSlice[F](v), nil
	case []uint8:
		return castSlice[F](v), nil
	case []uint16:
		return castSlice[F](v), nil
	case []uint32:
		return castSlice[F](v), nil
	case [][]float32:
		return castFlat[F](v), nil
	case [][]float64:
		return castFlat[F](v), nil
	case [][]int8:
		return castFlat[F](v), nil
	case [][]int16:
		return castFlat[F](v), nil
	case [][]int32:
		return castFlat[F](v), nil
	case [][]int64:
		return castFlat[F](v), nil
	case [][]uint8:
		return castFlat[F](v), nil
	case [][]uint16:
		return castFlat[F](v), nil
	case [][]uint32:
		return castFlat[F](v), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", raw)
}

func asInt32s(raw any) ([]int32, error) {
	switch v := raw.(type) {
	case []int32:
		return append([]int32(nil), v...), nil
	case []uint32:
		out := make([]int32, len(v))
		for i, x := range v {
			out[i] = int32(x)
		}
		return out, nil
	case []int64:
		out := make([]int32, len(v))
		for i, x := range v {
			out[i] = int32(x)
		}
		return out, nil
	case []int16:
		out := make([]int32, len(v))
		for i, x := range v {
			out[i] = int32(x)
		}
		return out, nil
	case []uint16:
		out := make([]int32, len(v))
		for i, x := range v {
			out[i] = int32(x)
		}
		return out, nil
	case []float64:
		out := make([]int32, len(v))
		for i, x := range v {
			out[i] = int32(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported id type %T", raw)
}

func nanSlice[F float32 | float64](n int) []F {
	out := make([]F, n)
	nan := F(math.NaN())
	for i := range out {
		out[i] = nan
	}
	return out
}

func nanFloat32(n int) []float32 { return nanSlice[float32](n) }
func nanFloat64(n int) []float64 { return nanSlice[float64](n) }

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
