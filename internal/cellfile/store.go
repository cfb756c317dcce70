package cellfile

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/TUW-GEO/smos/internal/ease"
	"github.com/TUW-GEO/smos/internal/product"
)

// Store reads series back from a conversion output directory.
type Store struct {
	dir  string
	grid *ease.CutGrid
}

// OpenStore opens a store directory by loading its grid file.
func OpenStore(dir string) (*Store, error) {
	grid, err := ease.LoadGridFile(filepath.Join(dir, ease.GridFilename))
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, grid: grid}, nil
}

// Grid returns the store's output grid.
func (s *Store) Grid() *ease.CutGrid { return s.grid }

// Series is one point's time series.
type Series struct {
	GPI   int32
	Lon   float64
	Lat   float64
	Times []time.Time
	Data  map[string][]float32
}

// Read returns the series of the point nearest to a coordinate.
func (s *Store) Read(lon, lat float64) (*Series, error) {
	gpi, _ := s.grid.Nearest(lon, lat)
	return s.ReadPoint(gpi)
}

// ReadPoint reads one point's series by its grid point index.
func (s *Store) ReadPoint(gpi int32) (*Series, error) {
	if gpi < 0 || int(gpi) >= s.grid.Len() {
		return nil, fmt.Errorf("grid point %d outside the store grid", gpi)
	}
	cell := s.grid.Cell(gpi)
	pos := int32(-1)
	pts := s.grid.PointsInCell(cell)
	for i, p := range pts {
		if p == gpi {
			pos = int32(i)
			break
		}
	}
	if pos < 0 {
		return nil, fmt.Errorf("grid point %d not listed in cell %d", gpi, cell)
	}

	path := filepath.Join(s.dir, Filename(cell))
	ragged, err := IsRagged(path)
	if err != nil {
		return nil, err
	}
	series := &Series{GPI: gpi, Lon: s.grid.Lon(gpi), Lat: s.grid.Lat(gpi)}
	if ragged {
		c, err := ReadRagged(path)
		if err != nil {
			return nil, err
		}
		if err := checkLocation(c.IDs, pos, gpi, cell); err != nil {
			return nil, err
		}
		times, data := c.At(pos)
		series.Times = make([]time.Time, len(times))
		for i, d := range times {
			series.Times[i] = FromDays1900(d)
		}
		series.Data = data
		return series, nil
	}

	c, err := ReadOrtho(path)
	if err != nil {
		return nil, err
	}
	if err := checkLocation(c.IDs, pos, gpi, cell); err != nil {
		return nil, err
	}
	series.Times = make([]time.Time, len(c.Times))
	for i, d := range c.Times {
		series.Times[i] = FromDays1900(d)
	}
	series.Data = make(map[string][]float32, len(c.Data))
	for name := range c.Data {
		series.Data[name] = c.Column(name, int(pos))
	}
	return series, nil
}

func checkLocation(ids []int32, pos, gpi, cell int32) error {
	if int(pos) >= len(ids) || ids[pos] != gpi {
		return fmt.Errorf("cell file %s does not list grid point %d at position %d",
			Filename(cell), gpi, pos)
	}
	return nil
}

// Len returns the number of rows.
func (s *Series) Len() int { return len(s.Times) }

// DropMissing returns a copy without the rows where every variable is NaN.
func (s *Series) DropMissing() *Series {
	keep := make([]int, 0, len(s.Times))
	for i := range s.Times {
		all := true
		for _, vals := range s.Data {
			if !math.IsNaN(float64(vals[i])) {
				all = false
				break
			}
		}
		if !all {
			keep = append(keep, i)
		}
	}
	return s.filter(keep)
}

// ObservationTimes returns a copy whose rows carry the exact acquisition
// times rebuilt from the day count and seconds of day variables. Rows
// lacking either are dropped.
func (s *Series) ObservationTimes() (*Series, error) {
	days, ok := s.Data[DayCountVar]
	if !ok {
		return nil, fmt.Errorf("series lacks the %s variable", DayCountVar)
	}
	secs, ok := s.Data[SecondsVar]
	if !ok {
		return nil, fmt.Errorf("series lacks the %s variable", SecondsVar)
	}
	keep := make([]int, 0, len(s.Times))
	times := make([]time.Time, 0, len(s.Times))
	for i := range s.Times {
		d, sec := float64(days[i]), float64(secs[i])
		if math.IsNaN(d) || math.IsNaN(sec) {
			continue
		}
		keep = append(keep, i)
		times = append(times, product.FromDaysSince2000(d+sec/86400))
	}
	out := s.filter(keep)
	out.Times = times
	return out, nil
}

func (s *Series) filter(keep []int) *Series {
	out := &Series{
		GPI:   s.GPI,
		Lon:   s.Lon,
		Lat:   s.Lat,
		Times: make([]time.Time, len(keep)),
		Data:  make(map[string][]float32, len(s.Data)),
	}
	for i, idx := range keep {
		out.Times[i] = s.Times[idx]
	}
	for name, vals := range s.Data {
		col := make([]float32, len(keep))
		for i, idx := range keep {
			col[i] = vals[idx]
		}
		out.Data[name] = col
	}
	return out
}
