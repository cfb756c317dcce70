// Package overview reads and writes the summary sidecar recording what an
// image or time-series directory covers.
package overview

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Filename is the sidecar file name inside the directory it describes.
const Filename = "overview.yml"

// Comment guards the sidecar against manual edits.
const Comment = "DO NOT CHANGE THIS FILE MANUALLY! Required for data update."

// Field formats of the day and update entries.
const (
	DayLayout  = "2006-01-02"
	TimeLayout = "2006-01-02 15:04:05"
)

// Props is the sidecar content. Both variants record the covered days;
// time-series directories additionally list the stored variables.
type Props struct {
	Comment    string   `yaml:"comment"`
	FirstDay   string   `yaml:"first_day,omitempty"`
	LastDay    string   `yaml:"last_day"`
	LastUpdate string   `yaml:"last_update"`
	Parameters []string `yaml:"parameters,omitempty"`
}

// Write marshals the props into dir/overview.yml, filling the comment and
// update time when unset.
func Write(dir string, p Props) error {
	if p.Comment == "" {
		p.Comment = Comment
	}
	if p.LastUpdate == "" {
		p.LastUpdate = time.Now().Format(TimeLayout)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, Filename), data, 0o644)
}

// Read loads dir/overview.yml. A missing sidecar surfaces as the underlying
// fs.ErrNotExist so callers can distinguish it.
func Read(dir string) (Props, error) {
	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		return Props{}, err
	}
	var p Props
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Props{}, err
	}
	return p, nil
}

// LastDayTime parses the last covered day.
func (p Props) LastDayTime() (time.Time, error) {
	return time.Parse(DayLayout, p.LastDay)
}

// FirstDayTime parses the first covered day.
func (p Props) FirstDayTime() (time.Time, error) {
	return time.Parse(DayLayout, p.FirstDay)
}
