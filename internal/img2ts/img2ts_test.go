package img2ts

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/cdf"

	"github.com/TUW-GEO/smos/internal/cellfile"
	"github.com/TUW-GEO/smos/internal/ease"
	"github.com/TUW-GEO/smos/internal/overview"
	"github.com/TUW-GEO/smos/internal/product"
)

var testGrid = ease.Global()

const testFill = float32(-999)

// Two neighbouring points inside cell 843, around 61W 12.5S.
const (
	gpiA = int32(316922)
	gpiB = int32(316923)
)

var day1 = time.Date(2018, 6, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bboxGrid covers exactly cell 843.
func bboxGrid(t *testing.T) *ease.Grid {
	t.Helper()
	g, err := testGrid.SubsetBBox(-65, -15, -60, -10)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func near(a float32, b float64) bool { return math.Abs(float64(a)-b) < 1e-5 }

func isNaN32(v float32) bool { return math.IsNaN(float64(v)) }

func dayN(n int) time.Time { return day1.AddDate(0, 0, n-1) }

func lonlat(gpi int32) (lon, lat float64) {
	return testGrid.Lon(gpi), testGrid.Lat(gpi)
}

// writeIC builds one synthetic SMOS IC day file. Points not listed hold the
// fill value and quality flag 0.
func writeIC(t *testing.T, root string, dayTs time.Time, sm map[int32]float32, flags map[int32]int32) {
	t.Helper()
	dir := filepath.Join(root, dayTs.Format("2006"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	name := "SM_RE06_MIR_CDF3SA_" + dayTs.Format("20060102") + "T000000_" +
		dayTs.Format("20060102") + "T235959_105_001_8.DBL.nc"

	rows, cols := testGrid.Shape()
	n := rows * cols
	smv := make([]float32, n)
	flv := make([]int32, n)
	for i := range smv {
		smv[i] = testFill
	}
	for gpi, x := range sm {
		smv[gpi] = x
	}
	for gpi, x := range flags {
		flv[gpi] = x
	}

	h := cdf.NewHeader([]string{"lat", "lon"}, []int{rows, cols})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable("Soil_Moisture", []string{"lat", "lon"}, []float32{0})
	h.AddAttribute("Soil_Moisture", "_FillValue", []float32{testFill})
	h.AddAttribute("Soil_Moisture", "units", "m3 m-3")
	h.AddVariable("Quality_Flag", []string{"lat", "lon"}, []int32{0})
	h.AddAttribute("", "product", "SMOS_IC")
	h.AddAttribute("", "history", "synthetic test file")
	h.Define()

	f, err := os.Create(filepath.Join(dir, name))
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
		{"Soil_Moisture", smv},
		{"Quality_Flag", flv},
	} {
		w := nc.Writer(v.name, make([]int, len(nc.Header.Lengths(v.name))), nc.Header.Lengths(v.name))
		if _, err := w.Write(v.data); err != nil {
			t.Fatalf("writing %s: %v", v.name, err)
		}
	}
}

// writeL2 builds one synthetic SMOS L2 overpass file holding the given
// points. The parallel slices must share their length with ids.
func writeL2(t *testing.T, root string, startTs time.Time, ids []int32, sm []float32, flags []int32, days []int32, secs []float64) {
	t.Helper()
	dir := filepath.Join(root, startTs.Format("2006"), startTs.Format("01"), startTs.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	name := "SM_REPR_MIR_SMUDP2_" + startTs.Format("20060102T150405") + "_" +
		startTs.Add(57*time.Minute).Format("20060102T150405") + "_700_100_1.nc"

	n := len(ids)
	lats := make([]float64, n)
	lons := make([]float64, n)
	for i, id := range ids {
		lons[i], lats[i] = lonlat(id)
	}

	h := cdf.NewHeader([]string{"n_grid_points"}, []int{n})
	h.AddVariable("Grid_Point_ID", []string{"n_grid_points"}, []int32{0})
	h.AddVariable("Latitude", []string{"n_grid_points"}, []float64{0})
	h.AddVariable("Longitude", []string{"n_grid_points"}, []float64{0})
	h.AddVariable("Soil_Moisture", []string{"n_grid_points"}, []float32{0})
	h.AddAttribute("Soil_Moisture", "_FillValue", []float32{testFill})
	h.AddAttribute("Soil_Moisture", "units", "m3 m-3")
	h.AddVariable("Science_Flags", []string{"n_grid_points"}, []int32{0})
	h.AddVariable("Days", []string{"n_grid_points"}, []int32{0})
	h.AddVariable("UTC_Seconds", []string{"n_grid_points"}, []float64{0})
	h.AddAttribute("", "product", "SMOS_L2_SM")
	h.Define()

	f, err := os.Create(filepath.Join(dir, name))
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
}

func TestReshuffleOrtho(t *testing.T) {
	imgRoot := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "ts")
	writeIC(t, imgRoot, dayN(1), map[int32]float32{gpiA: 0.198517, gpiB: 0.5}, map[int32]int32{gpiB: 1})
	writeIC(t, imgRoot, dayN(3), map[int32]float32{gpiA: 0.3}, nil)

	opt := Options{
		InputRoot: imgRoot,
		OutDir:    outDir,
		Spec:      product.IC,
		Grid:      bboxGrid(t),
		Start:     dayN(1),
		End:       dayN(3),
		Flags:     []float64{0},
		ImgBuffer: 2,
		Logger:    quietLogger(),
	}
	if err := Reshuffle(opt); err != nil {
		t.Fatal(err)
	}

	props, err := overview.Read(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if props.FirstDay != "2018-06-01" {
		t.Errorf("first_day = %q, want 2018-06-01", props.FirstDay)
	}
	if props.LastDay != "2018-06-03" {
		t.Errorf("last_day = %q, want 2018-06-03", props.LastDay)
	}
	if len(props.Parameters) != 2 || props.Parameters[0] != "Quality_Flag" || props.Parameters[1] != "Soil_Moisture" {
		t.Errorf("parameters = %v", props.Parameters)
	}

	store, err := cellfile.OpenStore(outDir)
	if err != nil {
		t.Fatal(err)
	}
	series, err := store.Read(lonlat(gpiA))
	if err != nil {
		t.Fatal(err)
	}
	if series.Len() != 3 {
		t.Fatalf("series has %d rows, want 3", series.Len())
	}
	if !series.Times[1].Equal(dayN(2)) {
		t.Errorf("gap day timestamp = %v, want %v", series.Times[1], dayN(2))
	}
	sm := series.Data["Soil_Moisture"]
	if !near(sm[0], 0.198517) || !isNaN32(sm[1]) || !near(sm[2], 0.3) {
		t.Fatalf("soil moisture = %v", sm)
	}
	qf := series.Data["Quality_Flag"]
	if !near(qf[0], 0) || !isNaN32(qf[1]) || !near(qf[2], 0) {
		t.Fatalf("quality flag = %v", qf)
	}

	flagged, err := store.Read(lonlat(gpiB))
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range flagged.Data["Soil_Moisture"] {
		if !isNaN32(v) {
			t.Errorf("row %d of the flagged point = %v, want NaN", i, v)
		}
	}

	f, err := os.Open(filepath.Join(outDir, cellfile.Filename(843)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		t.Fatal(err)
	}
	if got := nc.Header.GetAttribute("Soil_Moisture", "units"); got != "m3 m-3" {
		t.Errorf("units = %v", got)
	}
	if got := nc.Header.GetAttribute("", "product"); got != "SMOS_IC" {
		t.Errorf("product = %v", got)
	}
	if got := nc.Header.GetAttribute("", "history"); got != nil {
		t.Errorf("history leaked into the cell file: %v", got)
	}

	if err := Reshuffle(opt); !errors.Is(err, ErrPrepend) {
		t.Fatalf("rerun over the same period = %v, want ErrPrepend", err)
	}
}

// The buffer size must not change what ends up in the cell files, only how
// often they are opened.
func TestReshuffleBufferAgnostic(t *testing.T) {
	imgRoot := t.TempDir()
	writeIC(t, imgRoot, dayN(1), map[int32]float32{gpiA: 0.11, gpiB: 0.21}, nil)
	writeIC(t, imgRoot, dayN(3), map[int32]float32{gpiA: 0.13}, nil)

	read := func(buffer int) *cellfile.Series {
		outDir := filepath.Join(t.TempDir(), "ts")
		opt := Options{
			InputRoot: imgRoot,
			OutDir:    outDir,
			Spec:      product.IC,
			Grid:      bboxGrid(t),
			Start:     dayN(1),
			End:       dayN(3),
			ImgBuffer: buffer,
			Logger:    quietLogger(),
		}
		if err := Reshuffle(opt); err != nil {
			t.Fatal(err)
		}
		store, err := cellfile.OpenStore(outDir)
		if err != nil {
			t.Fatal(err)
		}
		series, err := store.Read(lonlat(gpiA))
		if err != nil {
			t.Fatal(err)
		}
		return series
	}

	one, many := read(1), read(100)
	if one.Len() != many.Len() {
		t.Fatalf("row counts differ: %d vs %d", one.Len(), many.Len())
	}
	for i := range one.Times {
		if !one.Times[i].Equal(many.Times[i]) {
			t.Errorf("row %d: times differ: %v vs %v", i, one.Times[i], many.Times[i])
		}
	}
	for name, a := range one.Data {
		b := many.Data[name]
		for i := range a {
			if isNaN32(a[i]) != isNaN32(b[i]) || (!isNaN32(a[i]) && a[i] != b[i]) {
				t.Errorf("%s row %d differs: %v vs %v", name, i, a[i], b[i])
			}
		}
	}
}

func TestExtendOrtho(t *testing.T) {
	imgRoot := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "ts")
	writeIC(t, imgRoot, dayN(1), map[int32]float32{gpiA: 0.11}, nil)
	writeIC(t, imgRoot, dayN(3), map[int32]float32{gpiA: 0.13}, nil)

	opt := Options{
		InputRoot: imgRoot,
		OutDir:    outDir,
		Spec:      product.IC,
		Grid:      bboxGrid(t),
		Start:     dayN(1),
		End:       dayN(3),
		Logger:    quietLogger(),
	}
	if err := Reshuffle(opt); err != nil {
		t.Fatal(err)
	}

	// Nothing newer than the stored last day yet.
	if err := Extend(opt); err != nil {
		t.Fatal(err)
	}
	props, err := overview.Read(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if props.LastDay != "2018-06-03" {
		t.Errorf("no-op extend changed last_day to %q", props.LastDay)
	}

	writeIC(t, imgRoot, dayN(4), map[int32]float32{gpiA: 0.14}, nil)
	if err := Extend(opt); err != nil {
		t.Fatal(err)
	}

	store, err := cellfile.OpenStore(outDir)
	if err != nil {
		t.Fatal(err)
	}
	series, err := store.Read(lonlat(gpiA))
	if err != nil {
		t.Fatal(err)
	}
	if series.Len() != 4 {
		t.Fatalf("extended series has %d rows, want 4", series.Len())
	}
	if !series.Times[3].Equal(dayN(4)) {
		t.Errorf("appended timestamp = %v, want %v", series.Times[3], dayN(4))
	}
	if sm := series.Data["Soil_Moisture"]; !near(sm[3], 0.14) {
		t.Errorf("appended value = %v, want 0.14", sm[3])
	}

	props, err = overview.Read(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if props.FirstDay != "2018-06-01" {
		t.Errorf("first_day after extend = %q, want the original 2018-06-01", props.FirstDay)
	}
	if props.LastDay != "2018-06-04" {
		t.Errorf("last_day = %q, want 2018-06-04", props.LastDay)
	}

	opt.OutDir = t.TempDir()
	if err := Extend(opt); !errors.Is(err, ErrNoSummary) {
		t.Fatalf("extend into an empty directory = %v, want ErrNoSummary", err)
	}
}

func TestReshuffleRagged(t *testing.T) {
	imgRoot := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "ts")
	over1 := time.Date(2018, 6, 1, 8, 0, 0, 0, time.UTC)
	over2 := time.Date(2018, 6, 2, 5, 0, 0, 0, time.UTC)
	writeL2(t, imgRoot, over1,
		[]int32{gpiA, gpiB},
		[]float32{0.2, 0.9},
		[]int32{0, 1},
		[]int32{6726, 6726},
		[]float64{43200, 43200})
	writeL2(t, imgRoot, over2,
		[]int32{gpiA},
		[]float32{0.25},
		[]int32{0},
		[]int32{6727},
		[]float64{19800})

	opt := Options{
		InputRoot: imgRoot,
		OutDir:    outDir,
		Spec:      product.L2,
		Grid:      bboxGrid(t),
		Start:     dayN(1),
		End:       dayN(2),
		Flags:     []float64{0},
		ImgBuffer: 1,
		Logger:    quietLogger(),
	}
	if err := Reshuffle(opt); err != nil {
		t.Fatal(err)
	}

	props, err := overview.Read(outDir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Days", "Science_Flags", "Soil_Moisture", "UTC_Seconds"}
	if len(props.Parameters) != len(want) {
		t.Fatalf("parameters = %v, want %v", props.Parameters, want)
	}
	for i := range want {
		if props.Parameters[i] != want[i] {
			t.Fatalf("parameters = %v, want %v", props.Parameters, want)
		}
	}

	store, err := cellfile.OpenStore(outDir)
	if err != nil {
		t.Fatal(err)
	}
	series, err := store.Read(lonlat(gpiA))
	if err != nil {
		t.Fatal(err)
	}
	if series.Len() != 2 {
		t.Fatalf("series has %d observations, want 2", series.Len())
	}
	if want := time.Date(2018, 6, 1, 12, 0, 0, 0, time.UTC); !series.Times[0].Equal(want) {
		t.Errorf("first observation = %v, want %v", series.Times[0], want)
	}
	if want := time.Date(2018, 6, 2, 5, 30, 0, 0, time.UTC); !series.Times[1].Equal(want) {
		t.Errorf("second observation = %v, want %v", series.Times[1], want)
	}
	sm := series.Data["Soil_Moisture"]
	if !near(sm[0], 0.2) || !near(sm[1], 0.25) {
		t.Fatalf("soil moisture = %v", sm)
	}

	exact, err := series.ObservationTimes()
	if err != nil {
		t.Fatal(err)
	}
	if exact.Len() != 2 || !exact.Times[1].Equal(series.Times[1]) {
		t.Fatalf("rebuilt times = %v", exact.Times)
	}

	// The flagged observation of the second point produced no row.
	flagged, err := store.Read(lonlat(gpiB))
	if err != nil {
		t.Fatal(err)
	}
	if flagged.Len() != 0 {
		t.Fatalf("flagged point has %d observations, want 0", flagged.Len())
	}
}
