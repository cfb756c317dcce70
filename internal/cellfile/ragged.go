package cellfile

import (
	"fmt"
	"os"

	"github.com/ctessum/cdf"

	"github.com/TUW-GEO/smos/internal/product"
)

// RaggedObs is one batch of per observation rows, parallel over the
// observations: the location each row belongs to, its acquisition time in
// days since 1900-01-01, and one value per variable.
type RaggedObs struct {
	LocIndex []int32
	Times    []float64
	Data     map[string][]float32
}

// Len returns the number of observations in the batch.
func (o RaggedObs) Len() int { return len(o.Times) }

// WriteRagged creates a cell file in the indexed ragged layout and writes
// the first batch of observations.
func WriteRagged(path string, loc Locations, obs RaggedObs,
	attrs map[string]product.VarAttrs, global map[string]any) error {
	names := sortedNames(obs.Data)
	h := locationHeader(names, "obs", len(loc.IDs), attrs, global)
	h.AddVariable("locationIndex", []string{"obs"}, []int32{0})
	h.AddAttribute("locationIndex", "long_name", "which location this observation belongs to")
	h.AddAttribute("locationIndex", "instance_dimension", "locations")
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
	if err := appendRaggedRecords(nc, f, 0, obs, names); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// AppendRagged appends a batch of observations to an existing ragged cell
// file. The variables must match the ones the file was created with.
func AppendRagged(path string, obs RaggedObs) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		return fmt.Errorf("opening cell file %s: %w", path, err)
	}
	names := sortedNames(obs.Data)
	if err := requireVars(nc, names); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	at := nc.Header.Lengths("time")[0]
	if err := appendRaggedRecords(nc, f, at, obs, names); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func appendRaggedRecords(nc *cdf.File, f *os.File, at int, obs RaggedObs, names []string) error {
	k := obs.Len()
	if len(obs.LocIndex) != k {
		return fmt.Errorf("batch has %d locations for %d times", len(obs.LocIndex), k)
	}
	if k == 0 {
		return nil
	}
	w := nc.Writer("time", []int{at}, []int{at + k})
	if _, err := w.Write(obs.Times); err != nil {
		return fmt.Errorf("writing time: %w", err)
	}
	w = nc.Writer("locationIndex", []int{at}, []int{at + k})
	if _, err := w.Write(obs.LocIndex); err != nil {
		return fmt.Errorf("writing locationIndex: %w", err)
	}
	for _, name := range names {
		vals := obs.Data[name]
		if len(vals) != k {
			return fmt.Errorf("variable %s has %d values for %d observations", name, len(vals), k)
		}
		w := nc.Writer(name, []int{at}, []int{at + k})
		if _, err := w.Write(vals); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return cdf.UpdateNumRecs(f)
}

// RaggedCell is the full contents of one indexed ragged cell file.
type RaggedCell struct {
	IDs      []int32
	Lons     []float64
	Lats     []float64
	LocIndex []int32
	Times    []float64
	Data     map[string][]float32
}

// ReadRagged loads an indexed ragged cell file.
func ReadRagged(path string) (*RaggedCell, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("opening cell file %s: %w", path, err)
	}
	c := &RaggedCell{Data: make(map[string][]float32)}
	if c.IDs, err = readInts(nc, "location_id"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if c.Lons, err = readDoubles(nc, "lon"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if c.Lats, err = readDoubles(nc, "lat"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if c.LocIndex, err = readInts(nc, "locationIndex"); err != nil {
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

// At returns the observation rows belonging to one location position.
func (c *RaggedCell) At(pos int32) (times []float64, data map[string][]float32) {
	data = make(map[string][]float32, len(c.Data))
	for _, name := range sortedNames(c.Data) {
		data[name] = nil
	}
	for i, li := range c.LocIndex {
		if li != pos {
			continue
		}
		times = append(times, c.Times[i])
		for name, vals := range c.Data {
			data[name] = append(data[name], vals[i])
		}
	}
	return times, data
}

// IsRagged reports whether the cell file at path uses the indexed ragged
// layout.
func IsRagged(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		return false, fmt.Errorf("opening cell file %s: %w", path, err)
	}
	for _, v := range nc.Header.Variables() {
		if v == "locationIndex" {
			return true, nil
		}
	}
	return false, nil
}
