package product

import (
	"fmt"
	"time"

	"github.com/ctessum/sparse"
)

// MissingKey is the metadata entry marking whether an image was substituted
// by a placeholder.
const MissingKey = "image_missing"

// VarAttrs holds one variable's source attributes plus the MissingKey entry
// added by the reader.
type VarAttrs map[string]any

// FillValue returns the variable's _FillValue attribute as a float64.
func (a VarAttrs) FillValue() (float64, bool) {
	return attrFloat(a["_FillValue"])
}

func attrFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int16:
		return float64(x), true
	case int8:
		return float64(x), true
	case uint8:
		return float64(x), true
	case []float64:
		if len(x) == 1 {
			return x[0], true
		}
	case []float32:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	case []int32:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	case []int16:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	}
	return 0, false
}

// Image is one timestamped observation of the requested variables over the
// active points of a grid. Data arrays follow the grid's active order, which
// is also the local order of the grid's Cut. Coordinate slices are shared
// between the images of one reader and must not be modified.
type Image struct {
	Timestamp time.Time
	Lon       []float64
	Lat       []float64
	Data      map[string][]float32
	Attrs     map[string]VarAttrs
	Global    map[string]any

	// ObsTime holds per point acquisition times as fractional days since
	// 2000-01-01 for products with per observation timing, nil otherwise.
	// Points without a usable observation are NaN.
	ObsTime []float64

	// Missing marks a placeholder substituted for an absent file.
	Missing bool

	rows, cols int // subset raster shape, zero when not rectangular
}

// Names returns the image's variable names in ascending order.
func (img *Image) Names() []string {
	return sortedKeys(img.Data)
}

// Raster returns a variable as a north-up 2D array over the subset raster.
// It fails when the grid behind the image does not fill a rectangle.
func (img *Image) Raster(name string) (*sparse.DenseArray, error) {
	data, ok := img.Data[name]
	if !ok {
		return nil, fmt.Errorf("image has no variable %q", name)
	}
	if err := img.checkRect(len(data)); err != nil {
		return nil, err
	}
	a := sparse.ZerosDense(img.rows, img.cols)
	for k, v := range data {
		r := img.rows - 1 - k/img.cols
		a.Elements[r*img.cols+k%img.cols] = float64(v)
	}
	return a, nil
}

// LonRaster returns the longitudes as a north-up 2D array.
func (img *Image) LonRaster() (*sparse.DenseArray, error) {
	return img.coordRaster(img.Lon)
}

// LatRaster returns the latitudes as a north-up 2D array.
func (img *Image) LatRaster() (*sparse.DenseArray, error) {
	return img.coordRaster(img.Lat)
}

func (img *Image) coordRaster(coord []float64) (*sparse.DenseArray, error) {
	if err := img.checkRect(len(coord)); err != nil {
		return nil, err
	}
	a := sparse.ZerosDense(img.rows, img.cols)
	for k, v := range coord {
		r := img.rows - 1 - k/img.cols
		a.Elements[r*img.cols+k%img.cols] = v
	}
	return a, nil
}

func (img *Image) checkRect(n int) error {
	if img.rows == 0 || img.cols == 0 {
		return fmt.Errorf("image grid is not rectangular, no 2D view")
	}
	if img.rows*img.cols != n {
		return fmt.Errorf("array of %d values does not fill a %dx%d raster",
			n, img.rows, img.cols)
	}
	return nil
}
