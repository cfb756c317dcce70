// Package product describes the supported SMOS image products and reads
// their netCDF files onto a grid.
package product

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Spec describes one product family: how its files are named and laid out
// under the image root, which variable carries the quality flags, and how
// observation time is encoded. Product variants are data, not types.
type Spec struct {
	Name string

	// FilenameTemplate is a glob with a {datetime} placeholder. SubpathFormat
	// holds the time layouts of the directory levels below the image root.
	FilenameTemplate string
	SubpathFormat    []string

	// FlagVar is the quality flag variable. It is read in addition to the
	// requested parameters whenever flag filtering is on.
	FlagVar      string
	DefaultFlags []float64
	// FloatFlags marks flag variables coded as float fractions rather than
	// integer codes; flag membership then uses a small tolerance.
	FloatFlags bool

	// PointIndexed marks products whose files hold a sparse list of points
	// keyed by IDVar instead of a full raster.
	PointIndexed bool
	IDVar        string

	// ObsTimed marks products where every point carries its own acquisition
	// time, assembled from a day count and seconds of day.
	ObsTimed   bool
	DayVar     string
	SecondsVar string
}

// The supported product families.
var (
	IC = Spec{
		Name:             "SMOS_IC",
		FilenameTemplate: "SM_RE06_MIR_CDF3S*_{datetime}T000000_{datetime}T235959_105_*_8.DBL.nc",
		SubpathFormat:    []string{"2006"},
		FlagVar:          "Quality_Flag",
		DefaultFlags:     []float64{0, 1},
	}
	L4Sci = Spec{
		Name:             "SMOS_L4_RZSM_SCIE",
		FilenameTemplate: "SM_*_MIR_CLF4RD*_{datetime}T000000_{datetime}T235959_*_*_*.DBL.nc",
		SubpathFormat:    []string{"2006"},
		FlagVar:          "QUAL",
		DefaultFlags:     []float64{0, 0.2, 0.4, 0.6, 0.8, 1},
		FloatFlags:       true,
	}
	L4Oper = Spec{
		Name:             "SMOS_L4_RZSM_OPER",
		FilenameTemplate: "SM_*_MIR_CLF4RD*_{datetime}T000000_{datetime}T235959_*_*_*.DBL.nc",
		SubpathFormat:    []string{"2006"},
		FlagVar:          "Quality",
		DefaultFlags:     []float64{0, 0.2, 0.4, 0.6, 0.8, 1},
		FloatFlags:       true,
	}
	L2 = Spec{
		Name:             "SMOS_L2_SM",
		FilenameTemplate: "SM_REPR_MIR_SMUDP2_{datetime}T*_700_100_1.nc",
		SubpathFormat:    []string{"2006", "01", "02"},
		FlagVar:          "Science_Flags",
		DefaultFlags:     []float64{0, 1},
		PointIndexed:     true,
		IDVar:            "Grid_Point_ID",
		ObsTimed:         true,
		DayVar:           "Days",
		SecondsVar:       "UTC_Seconds",
	}
)

// ByName returns the Spec behind a command line product name.
func ByName(name string) (Spec, error) {
	switch strings.ToLower(name) {
	case "ic":
		return IC, nil
	case "l2":
		return L2, nil
	case "l4", "l4-sci":
		return L4Sci, nil
	case "l4-oper":
		return L4Oper, nil
	}
	return Spec{}, fmt.Errorf("unknown product %q, choose ic, l2, l4, l4-sci or l4-oper", name)
}

// Dir returns the directory holding the files of one day.
func (s Spec) Dir(root string, ts time.Time) string {
	parts := make([]string, 0, len(s.SubpathFormat)+1)
	parts = append(parts, root)
	for _, layout := range s.SubpathFormat {
		parts = append(parts, ts.Format(layout))
	}
	return filepath.Join(parts...)
}

// Glob returns the file name pattern of one timestamp. For products with per
// observation timing a timestamp that carries a clock narrows the pattern to
// that single overpass, otherwise the pattern covers the whole day.
func (s Spec) Glob(ts time.Time) string {
	hasClock := ts.Hour() != 0 || ts.Minute() != 0 || ts.Second() != 0
	if s.ObsTimed && hasClock {
		return strings.Replace(s.FilenameTemplate, "{datetime}T*",
			ts.Format("20060102T150405")+"*", 1)
	}
	return strings.ReplaceAll(s.FilenameTemplate, "{datetime}", ts.Format("20060102"))
}
