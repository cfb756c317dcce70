package product

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FirstFile returns the path of the first regular file under root in lexical
// walk order.
func FirstFile(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no image files under %s", root)
	}
	return found, nil
}

// FirstLastDays scans a year/month/day image tree, where the month and day
// levels are optional, and returns the dates parsed from the names of the
// first and the last file.
func FirstLastDays(root string) (first, last time.Time, err error) {
	firstFile, err := edgeFile(root, false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	lastFile, err := edgeFile(root, true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	first, err = DateSegment(filepath.Base(firstFile))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	last, err = DateSegment(filepath.Base(lastFile))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return day(first), day(last), nil
}

// edgeFile descends the numeric directory levels of an image tree, always
// into the lowest (or highest) one, and returns the first (or last) file of
// the leaf it reaches.
func edgeFile(dir string, last bool) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var dirs []int
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			if n, err := strconv.Atoi(e.Name()); err == nil {
				dirs = append(dirs, n)
			}
			continue
		}
		files = append(files, e.Name())
	}
	if len(dirs) > 0 {
		sort.Ints(dirs)
		pick := dirs[0]
		if last {
			pick = dirs[len(dirs)-1]
		}
		return edgeFile(filepath.Join(dir, strconv.Itoa(pick)), last)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no image files under %s", dir)
	}
	sort.Strings(files)
	pick := files[0]
	if last {
		pick = files[len(files)-1]
	}
	return filepath.Join(dir, pick), nil
}

// dateLayouts are the timestamp forms found in product file names.
var dateLayouts = []string{"20060102T150405", "20060102"}

// DateSegment extracts the first date carrying underscore separated segment
// of an image file name.
func DateSegment(name string) (time.Time, error) {
	for _, seg := range strings.Split(name, "_") {
		for _, layout := range dateLayouts {
			if len(seg) < len(layout) {
				continue
			}
			if t, err := time.Parse(layout, seg[:len(layout)]); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("no date segment in %q", name)
}

// ParseDate parses command line dates of the forms 2006-01-02 and
// 2006-01-02T15:04.
func ParseDate(s string) (time.Time, error) {
	switch len(s) {
	case len("2006-01-02"):
		return time.Parse("2006-01-02", s)
	case len("2006-01-02T15:04"):
		return time.Parse("2006-01-02T15:04", s)
	}
	return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD or YYYY-MM-DDTHH:MM", s)
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
