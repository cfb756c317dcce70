// Package ease implements the 25 km EASE2 global grid the SMOS products are
// sampled on, the 5 degree cell partition of its points, and the subset
// operations (bounding box, land mask, intersection, compaction) that select
// which points take part in a conversion run.
package ease

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Raster dimensions of the global grid, storage order is south to north.
const (
	Rows = 584
	Cols = 1388
)

// NumPoints is the number of points in the global grid.
const NumPoints = Rows * Cols

// CellSize is the edge length of a cell in degrees.
const CellSize = 5.0

// CellsPerBand is the number of cells in one longitude band.
const CellsPerBand = 36

// WGS84 ellipsoid parameters and the series coefficients of the authalic to
// geodetic latitude expansion.
const (
	semiMajor  = 6378137.0
	flattening = 1 / 298.257223563
	e2         = flattening * (2 - flattening)

	c1 = e2/3 + 31*e2*e2/180 + 517*e2*e2*e2/5040
	c2 = 23*e2*e2/360 + 251*e2*e2*e2/3780
	c3 = 761 * e2 * e2 * e2 / 45360
)

var (
	ecc   = math.Sqrt(e2)
	k0    = math.Cos(math.Pi/6) / math.Sqrt(1-e2/4)
	qPole = authalicQ(math.Pi / 2)

	// cellM is the grid spacing in metres, the projected equator length
	// spread over the columns.
	cellM = 2 * math.Pi * semiMajor * k0 / Cols
)

var (
	// ErrBoundingBox reports a bounding box whose minimum exceeds its maximum.
	ErrBoundingBox = errors.New("ease: invalid bounding box")
	// ErrMaskSize reports a land mask whose length differs from the grid.
	ErrMaskSize = errors.New("ease: land mask size mismatch")
	// ErrGridResource reports a grid or mask file that cannot be loaded.
	ErrGridResource = errors.New("ease: cannot load grid resource")
)

func authalicQ(phi float64) float64 {
	s := math.Sin(phi)
	return (1 - e2) * (s/(1-e2*s*s) - math.Log((1-ecc*s)/(1+ecc*s))/(2*ecc))
}

// latOfRow returns the latitude of storage row i, row 0 being the
// southernmost.
func latOfRow(i int) float64 {
	y := (float64(i) + 0.5 - Rows/2) * cellM
	beta := math.Asin(2 * y * k0 / (semiMajor * qPole))
	phi := beta + c1*math.Sin(2*beta) + c2*math.Sin(4*beta) + c3*math.Sin(6*beta)
	return phi * 180 / math.Pi
}

// lonOfCol returns the longitude of storage column j.
func lonOfCol(j int) float64 {
	return -180 + (float64(j)+0.5)*360/Cols
}

// CellIndex returns the cell a coordinate falls into. Cells count latitude
// first within longitude bands, CellsPerBand cells per band, so a cell number
// depends only on the coordinate and never on how a grid was constructed.
func CellIndex(lon, lat float64) int32 {
	x := math.Floor((lon + 180 + 1e-9) / CellSize)
	y := math.Floor((lat + 90 + 1e-9) / CellSize)
	if x < 0 {
		x = 0
	} else if x > 360/CellSize-1 {
		x = 360/CellSize - 1
	}
	if y < 0 {
		y = 0
	} else if y > 180/CellSize-1 {
		y = 180/CellSize - 1
	}
	return int32(x)*CellsPerBand + int32(y)
}

// Grid is a view of the global grid: the full coordinate raster plus the set
// of points active in this view. Subset operations narrow the active set
// without renumbering, so an active index always addresses the global raster.
type Grid struct {
	lon      []float64 // per global point, storage order
	lat      []float64
	cell     []int32
	active   []int32 // ascending global indices of the active points
	isActive []bool
	subRows  int // distinct raster rows holding at least one active point
	subCols  int
}

// Global builds the grid with every point active.
func Global() *Grid {
	lon := make([]float64, NumPoints)
	lat := make([]float64, NumPoints)
	cell := make([]int32, NumPoints)
	active := make([]int32, NumPoints)
	isActive := make([]bool, NumPoints)
	for i := 0; i < Rows; i++ {
		la := latOfRow(i)
		if la < -90 || la > 90 {
			panic(fmt.Sprintf("ease: row %d latitude %v out of range", i, la))
		}
		for j := 0; j < Cols; j++ {
			g := i*Cols + j
			lat[g] = la
			lon[g] = lonOfCol(j)
			cell[g] = CellIndex(lon[g], la)
			active[g] = int32(g)
			isActive[g] = true
		}
	}
	return &Grid{
		lon: lon, lat: lat, cell: cell,
		active: active, isActive: isActive,
		subRows: Rows, subCols: Cols,
	}
}

// derive builds a narrowed view sharing the coordinate arrays.
func (g *Grid) derive(keep func(gpi int32) bool) *Grid {
	ng := &Grid{lon: g.lon, lat: g.lat, cell: g.cell, isActive: make([]bool, NumPoints)}
	rowSeen := make([]bool, Rows)
	colSeen := make([]bool, Cols)
	for _, gpi := range g.active {
		if !keep(gpi) {
			continue
		}
		ng.active = append(ng.active, gpi)
		ng.isActive[gpi] = true
		rowSeen[int(gpi)/Cols] = true
		colSeen[int(gpi)%Cols] = true
	}
	for _, seen := range rowSeen {
		if seen {
			ng.subRows++
		}
	}
	for _, seen := range colSeen {
		if seen {
			ng.subCols++
		}
	}
	return ng
}

// SubsetBBox narrows the active set to the points inside the closed box.
func (g *Grid) SubsetBBox(minLon, minLat, maxLon, maxLat float64) (*Grid, error) {
	if minLon > maxLon || minLat > maxLat {
		return nil, fmt.Errorf("%w: (%v %v %v %v)", ErrBoundingBox, minLon, minLat, maxLon, maxLat)
	}
	return g.derive(func(gpi int32) bool {
		lo, la := g.lon[gpi], g.lat[gpi]
		return lo >= minLon && lo <= maxLon && la >= minLat && la <= maxLat
	}), nil
}

// Intersect returns the view active in both inputs. The inputs must derive
// from the same global grid.
func Intersect(a, b *Grid) *Grid {
	return a.derive(func(gpi int32) bool { return b.isActive[gpi] })
}

// NumActive returns the number of active points.
func (g *Grid) NumActive() int { return len(g.active) }

// ActiveGPIs returns the ascending global indices of the active points.
// The slice is shared, callers must not modify it.
func (g *Grid) ActiveGPIs() []int32 { return g.active }

// ActiveLonLat returns the coordinates of the active points in active order.
func (g *Grid) ActiveLonLat() (lon, lat []float64) {
	lon = make([]float64, len(g.active))
	lat = make([]float64, len(g.active))
	for i, gpi := range g.active {
		lon[i] = g.lon[gpi]
		lat[i] = g.lat[gpi]
	}
	return lon, lat
}

// Shape returns the global raster dimensions.
func (g *Grid) Shape() (rows, cols int) { return Rows, Cols }

// SubsetShape returns how many distinct raster rows and columns the active
// set covers.
func (g *Grid) SubsetShape() (rows, cols int) { return g.subRows, g.subCols }

// Rectangular reports whether the active set exactly fills its covered
// rows x cols rectangle, which is what a 2D raster view requires.
func (g *Grid) Rectangular() bool { return len(g.active) == g.subRows*g.subCols }

// Lon returns the longitude of a global index.
func (g *Grid) Lon(gpi int32) float64 { return g.lon[gpi] }

// Lat returns the latitude of a global index.
func (g *Grid) Lat(gpi int32) float64 { return g.lat[gpi] }

// Cell returns the cell of a global index.
func (g *Grid) Cell(gpi int32) int32 { return g.cell[gpi] }

// IsActive reports whether a global index is part of the active set.
func (g *Grid) IsActive(gpi int32) bool { return g.isActive[gpi] }

// ActivePos returns the position of a global index in the active order.
func (g *Grid) ActivePos(gpi int32) (int, bool) {
	i := sort.Search(len(g.active), func(i int) bool { return g.active[i] >= gpi })
	if i < len(g.active) && g.active[i] == gpi {
		return i, true
	}
	return 0, false
}

// Nearest returns the active point closest to the coordinate and the great
// circle distance to it in metres.
func (g *Grid) Nearest(lon, lat float64) (int32, float64) {
	i, d := nearestPoint(len(g.active), func(i int) (float64, float64) {
		gpi := g.active[i]
		return g.lon[gpi], g.lat[gpi]
	}, lon, lat)
	return g.active[i], d
}

// earthRadius is the mean earth radius in metres used for distances.
const earthRadius = 6371000.0

func nearestPoint(n int, at func(int) (lon, lat float64), qlon, qlat float64) (int, float64) {
	sq, cq := math.Sincos(qlat * math.Pi / 180)
	slo, clo := math.Sincos(qlon * math.Pi / 180)
	qx, qy, qz := cq*clo, cq*slo, sq
	best, bi := -2.0, 0
	for i := 0; i < n; i++ {
		lo, la := at(i)
		s, c := math.Sincos(la * math.Pi / 180)
		sl, cl := math.Sincos(lo * math.Pi / 180)
		dot := c*cl*qx + c*sl*qy + s*qz
		if dot > best {
			best, bi = dot, i
		}
	}
	if best > 1 {
		best = 1
	}
	return bi, earthRadius * math.Acos(best)
}

// CutGrid is the compact output grid produced by Cut: only the surviving
// points remain, renumbered 0..Len()-1 in ascending global order. Writers and
// stores address this local index space, which keeps it from being confused
// with the global one.
type CutGrid struct {
	lon    []float64
	lat    []float64
	cell   []int32
	cells  []int32
	byCell map[int32][]int32
}

func newCutGrid(lon, lat []float64, cell []int32) *CutGrid {
	c := &CutGrid{lon: lon, lat: lat, cell: cell, byCell: make(map[int32][]int32)}
	for i, cl := range cell {
		c.byCell[cl] = append(c.byCell[cl], int32(i))
	}
	c.cells = make([]int32, 0, len(c.byCell))
	for cl := range c.byCell {
		c.cells = append(c.cells, cl)
	}
	sort.Slice(c.cells, func(i, j int) bool { return c.cells[i] < c.cells[j] })
	return c
}

// Cut compacts the active set into a CutGrid. The local order equals the
// active order, so position i of an image read on this grid belongs to cut
// point i.
func (g *Grid) Cut() *CutGrid {
	lon, lat := g.ActiveLonLat()
	cell := make([]int32, len(g.active))
	for i, gpi := range g.active {
		cell[i] = g.cell[gpi]
	}
	return newCutGrid(lon, lat, cell)
}

// Len returns the number of points.
func (c *CutGrid) Len() int { return len(c.lon) }

// Lon returns the longitude of a local index.
func (c *CutGrid) Lon(i int32) float64 { return c.lon[i] }

// Lat returns the latitude of a local index.
func (c *CutGrid) Lat(i int32) float64 { return c.lat[i] }

// Cell returns the cell of a local index.
func (c *CutGrid) Cell(i int32) int32 { return c.cell[i] }

// Cells returns the ascending cell numbers that hold at least one point.
// The slice is shared, callers must not modify it.
func (c *CutGrid) Cells() []int32 { return c.cells }

// PointsInCell returns the ascending local indices of one cell's points.
// The slice is shared, callers must not modify it.
func (c *CutGrid) PointsInCell(cell int32) []int32 { return c.byCell[cell] }

// Nearest returns the point closest to the coordinate and the great circle
// distance to it in metres.
func (c *CutGrid) Nearest(lon, lat float64) (int32, float64) {
	i, d := nearestPoint(len(c.lon), func(i int) (float64, float64) {
		return c.lon[i], c.lat[i]
	}, lon, lat)
	return int32(i), d
}
