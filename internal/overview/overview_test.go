package overview

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := Props{
		LastDay:    "2022-01-03",
		Parameters: []string{"Soil_Moisture", "Quality_Flag"},
	}
	if err := Write(dir, in); err != nil {
		t.Fatal(err)
	}
	out, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	if out.Comment != Comment {
		t.Errorf("comment = %q, want the guard comment", out.Comment)
	}
	if out.LastDay != "2022-01-03" {
		t.Errorf("last_day = %q", out.LastDay)
	}
	if out.LastUpdate == "" {
		t.Error("last_update not filled in")
	}
	if _, err := time.Parse(TimeLayout, out.LastUpdate); err != nil {
		t.Errorf("last_update %q does not parse: %v", out.LastUpdate, err)
	}
	if len(out.Parameters) != 2 || out.Parameters[0] != "Soil_Moisture" {
		t.Errorf("parameters = %v", out.Parameters)
	}
	day, err := out.LastDayTime()
	if err != nil || !day.Equal(time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("LastDayTime = (%v, %v)", day, err)
	}
}

func TestImageVariant(t *testing.T) {
	dir := t.TempDir()
	in := Props{FirstDay: "2010-06-01", LastDay: "2022-01-31"}
	if err := Write(dir, in); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	for _, key := range []string{"comment:", "first_day:", "last_day:", "last_update:"} {
		if !strings.Contains(text, key) {
			t.Errorf("sidecar lacks %q:\n%s", key, text)
		}
	}
	if strings.Contains(text, "parameters:") {
		t.Errorf("image sidecar must not list parameters:\n%s", text)
	}
	if !strings.HasPrefix(text, "comment:") {
		t.Errorf("comment must come first:\n%s", text)
	}
	out, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	first, err := out.FirstDayTime()
	if err != nil || first.Month() != time.June {
		t.Errorf("FirstDayTime = (%v, %v)", first, err)
	}
}

func TestOmitsEmptyFields(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, Props{LastDay: "2022-01-03"}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"first_day:", "parameters:"} {
		if strings.Contains(string(raw), key) {
			t.Errorf("sidecar must omit unset %q:\n%s", key, raw)
		}
	}
}

func TestReadMissing(t *testing.T) {
	_, err := Read(t.TempDir())
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing sidecar: err = %v, want fs.ErrNotExist", err)
	}
}
