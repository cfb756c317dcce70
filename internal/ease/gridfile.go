package ease

import (
	"fmt"
	"os"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/ctessum/cdf"
)

// GridFilename is the name of the grid file inside a time-series directory.
const GridFilename = "grid.nc"

// LandMaskVar is the variable read from a land mask file.
const LandMaskVar = "land"

// SubsetLand narrows the active set to the points whose land mask entry is
// nonzero. The mask file holds one value per global grid point.
func (g *Grid) SubsetLand(path string) (*Grid, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: land mask %s: %v", ErrGridResource, path, err)
	}
	defer nc.Close()
	vg, err := nc.GetVarGetter(LandMaskVar)
	if err != nil {
		return nil, fmt.Errorf("%w: land mask %s has no %q variable: %v", ErrGridResource, path, LandMaskVar, err)
	}
	if vg.Len() != NumPoints {
		return nil, fmt.Errorf("%w: mask %s has %d points, grid has %d", ErrMaskSize, path, vg.Len(), NumPoints)
	}
	vals, err := vg.Values()
	if err != nil {
		return nil, fmt.Errorf("%w: reading land mask %s: %v", ErrGridResource, path, err)
	}
	land, err := maskValues(vals)
	if err != nil {
		return nil, fmt.Errorf("%w: land mask %s: %v", ErrGridResource, path, err)
	}
	return g.derive(func(gpi int32) bool { return land[gpi] }), nil
}

func nonzero[T int8 | uint8 | int16 | int32 | int64 | float32 | float64](vals []T) []bool {
	out := make([]bool, len(vals))
	for i, v := range vals {
		out[i] = v != 0
	}
	return out
}

func maskValues(vals any) ([]bool, error) {
	switch vv := vals.(type) {
	case []int8:
		return nonzero(vv), nil
	case []uint8:
		return nonzero(vv), nil
	case []int16:
		return nonzero(vv), nil
	case []int32:
		return nonzero(vv), nil
	case []int64:
		return nonzero(vv), nil
	case []float32:
		return nonzero(vv), nil
	case []float64:
		return nonzero(vv), nil
	}
	return nil, fmt.Errorf("unsupported mask type %T", vals)
}

// WriteGridFile saves the output grid as a netCDF file holding each point's
// index, coordinates and cell.
func WriteGridFile(path string, g *CutGrid) error {
	h := cdf.NewHeader([]string{"gp"}, []int{g.Len()})
	h.AddVariable("gpi", []string{"gp"}, []int32{0})
	h.AddAttribute("gpi", "long_name", "grid point index")
	h.AddVariable("lon", []string{"gp"}, []float64{0})
	h.AddAttribute("lon", "long_name", "longitude of the grid point")
	h.AddAttribute("lon", "units", "degrees_east")
	h.AddVariable("lat", []string{"gp"}, []float64{0})
	h.AddAttribute("lat", "long_name", "latitude of the grid point")
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddVariable("cell", []string{"gp"}, []int32{0})
	h.AddAttribute("cell", "long_name", "5 degree cell of the grid point")
	h.AddAttribute("", "date_created", time.Now().UTC().Format(time.RFC3339))
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

	gpi := make([]int32, g.Len())
	for i := range gpi {
		gpi[i] = int32(i)
	}
	for _, v := range []struct {
		name string
		data any
	}{
		{"gpi", gpi},
		{"lon", g.lon},
		{"lat", g.lat},
		{"cell", g.cell},
	} {
		w := nc.Writer(v.name, []int{0}, nc.Header.Lengths(v.name))
		if _, err := w.Write(v.data); err != nil {
			return fmt.Errorf("writing %s of %s: %w", v.name, path, err)
		}
	}
	return nil
}

// LoadGridFile loads a grid written by WriteGridFile.
func LoadGridFile(path string) (*CutGrid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGridResource, err)
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("%w: grid file %s: %v", ErrGridResource, path, err)
	}
	lon, err := gridDoubles(nc, "lon")
	if err != nil {
		return nil, fmt.Errorf("%w: grid file %s: %v", ErrGridResource, path, err)
	}
	lat, err := gridDoubles(nc, "lat")
	if err != nil {
		return nil, fmt.Errorf("%w: grid file %s: %v", ErrGridResource, path, err)
	}
	cell, err := gridInts(nc, "cell")
	if err != nil {
		return nil, fmt.Errorf("%w: grid file %s: %v", ErrGridResource, path, err)
	}
	if len(lat) != len(lon) || len(cell) != len(lon) {
		return nil, fmt.Errorf("%w: grid file %s has inconsistent lengths", ErrGridResource, path)
	}
	return newCutGrid(lon, lat, cell), nil
}

func gridVar(nc *cdf.File, name string) (any, error) {
	for _, v := range nc.Header.Variables() {
		if v == name {
			r := nc.Reader(name, nil, nil)
			buf := r.Zero(-1)
			if _, err := r.Read(buf); err != nil {
				return nil, fmt.Errorf("variable %s: %w", name, err)
			}
			return buf, nil
		}
	}
	return nil, fmt.Errorf("variable %s not found", name)
}

func gridDoubles(nc *cdf.File, name string) ([]float64, error) {
	buf, err := gridVar(nc, name)
	if err != nil {
		return nil, err
	}
	vals, ok := buf.([]float64)
	if !ok {
		return nil, fmt.Errorf("variable %s: unexpected type %T", name, buf)
	}
	return vals, nil
}

func gridInts(nc *cdf.File, name string) ([]int32, error) {
	buf, err := gridVar(nc, name)
	if err != nil {
		return nil, err
	}
	vals, ok := buf.([]int32)
	if !ok {
		return nil, fmt.Errorf("variable %s: unexpected type %T", name, buf)
	}
	return vals, nil
}
