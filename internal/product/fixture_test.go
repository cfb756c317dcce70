package product

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/cdf"

	"github.com/TUW-GEO/smos/internal/ease"
)

var testGrid = ease.Global()

const testFill = float32(-999)

// icValues customizes one synthetic SMOS IC file. Points not listed hold the
// fill value and quality flag 0.
type icValues struct {
	sm     map[int32]float32
	stderr map[int32]float32
	flag   map[int32]int32
}

func writeICFile(t *testing.T, root string, dayTs time.Time, v icValues) string {
	t.Helper()
	dir := filepath.Join(root, dayTs.Format("2006"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	name := "SM_RE06_MIR_CDF3SA_" + dayTs.Format("20060102") + "T000000_" +
		dayTs.Format("20060102") + "T235959_105_001_8.DBL.nc"
	path := filepath.Join(dir, name)

	rows, cols := testGrid.Shape()
	n := rows * cols
	sm := make([]float32, n)
	se := make([]float32, n)
	fl := make([]int32, n)
	for i := range sm {
		sm[i] = testFill
		se[i] = testFill
	}
	for gpi, x := range v.sm {
		sm[gpi] = x
	}
	for gpi, x := range v.stderr {
		se[gpi] = x
	}
	for gpi, x := range v.flag {
		fl[gpi] = x
	}

	h := cdf.NewHeader([]string{"lat", "lon"}, []int{rows, cols})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddAttribute("lon", "units", "degrees_east")
	h.AddVariable("Soil_Moisture", []string{"lat", "lon"}, []float32{0})
	h.AddAttribute("Soil_Moisture", "_FillValue", []float32{testFill})
	h.AddAttribute("Soil_Moisture", "units", "m3 m-3")
	h.AddAttribute("Soil_Moisture", "long_name", "Retrieved soil moisture")
	h.AddVariable("Soil_Moisture_StdError", []string{"lat", "lon"}, []float32{0})
	h.AddAttribute("Soil_Moisture_StdError", "_FillValue", []float32{testFill})
	h.AddAttribute("Soil_Moisture_StdError", "units", "m3 m-3")
	h.AddVariable("Quality_Flag", []string{"lat", "lon"}, []int32{0})
	h.AddAttribute("Quality_Flag", "long_name", "Quality flag")
	h.AddAttribute("", "product", "SMOS_IC")
	h.AddAttribute("", "ease_global", "EASE2 global 25km")
	h.AddAttribute("", "history", "synthetic test file")
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	nc, err := cdf.Create(f, h)
	if err != nil {
		t.Fatal(err)
	}

	lats := make([]float64, rows)
	for i := range lats {
		lats[i] = testGrid.Lat(int32(i * cols))
	}
	lons := make([]float64, cols)
	for j := range lons {
		lons[j] = testGrid.Lon(int32(j))
	}
	for _, v := range []struct {
		name string
		data any
	}{
		{"lat", lats},
		{"lon", lons},
		{"Soil_Moisture", sm},
		{"Soil_Moisture_StdError", se},
		{"Quality_Flag", fl},
	} {
		w := nc.Writer(v.name, make([]int, len(nc.Header.Lengths(v.name))), nc.Header.Lengths(v.name))
		if _, err := w.Write(v.data); err != nil {
			t.Fatalf("writing %s: %v", v.name, err)
		}
	}
	return path
}

// writeL2File builds one synthetic SMOS L2 overpass file holding the given
// points. The parallel slices must share their length with ids.
func writeL2File(t *testing.T, root string, startTs time.Time, ids []int32, sm []float32, flags []int32, days []int32, secs []float64) string {
	t.Helper()
	dir := filepath.Join(root, startTs.Format("2006"), startTs.Format("01"), startTs.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	name := "SM_REPR_MIR_SMUDP2_" + startTs.Format("20060102T150405") + "_" +
		startTs.Add(57*time.Minute).Format("20060102T150405") + "_700_100_1.nc"
	path := filepath.Join(dir, name)

	n := len(ids)
	lats := make([]float64, n)
	lons := make([]float64, n)
	for i, id := range ids {
		lats[i] = testGrid.Lat(id)
		lons[i] = testGrid.Lon(id)
	}

	h := cdf.NewHeader([]string{"n_grid_points"}, []int{n})
	h.AddVariable("Grid_Point_ID", []string{"n_grid_points"}, []int32{0})
	h.AddAttribute("Grid_Point_ID", "long_name", "Grid point index")
	h.AddVariable("Latitude", []string{"n_grid_points"}, []float64{0})
	h.AddVariable("Longitude", []string{"n_grid_points"}, []float64{0})
	h.AddVariable("Soil_Moisture", []string{"n_grid_points"}, []float32{0})
	h.AddAttribute("Soil_Moisture", "_FillValue", []float32{testFill})
	h.AddAttribute("Soil_Moisture", "units", "m3 m-3")
	h.AddVariable("Science_Flags", []string{"n_grid_points"}, []int32{0})
	h.AddVariable("Days", []string{"n_grid_points"}, []int32{0})
	h.AddAttribute("Days", "units", "days since 2000-01-01")
	h.AddVariable("UTC_Seconds", []string{"n_grid_points"}, []float64{0})
	h.AddAttribute("UTC_Seconds", "units", "seconds of day")
	h.AddAttribute("", "product", "SMOS_L2_SM")
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	nc, err := cdf.Create(f, h)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []struct {
		name string
		data any
	}{
		{"Grid_Point_ID", ids},
		{"Latitude", lats},
		{"Longitude", lons},
		{"Soil_Moisture", sm},
		{"Science_Flags", flags},
		{"Days", days},
		{"UTC_Seconds", secs},
	} {
		w := nc.Writer(v.name, []int{0}, []int{n})
		if _, err := w.Write(v.data); err != nil {
			t.Fatalf("writing %s: %v", v.name, err)
		}
	}
	return path
}
