// Package file serves a month timetable from a local YAML or JSON file.
//
//	month: 3        # optional, informational
//	days:
//	  - ["05:10", "06:50", "12:30", "15:40", "18:05", "19:40"]
//	  - ...
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type document struct {
	Month int        `yaml:"month"`
	Year  int        `yaml:"year"`
	Days  [][]string `yaml:"days"`
}

type Fetcher struct {
	path string
}

func New(path string) (*Fetcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("source.path is required for the file source")
	}
	return &Fetcher{path: path}, nil
}

// FetchMonth re-reads the file on every call so edits are picked up on the
// next refresh.
func (f *Fetcher) FetchMonth(ctx context.Context) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	// JSON is a subset of YAML, so one decoder serves both.
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("timetable %s: %w", f.path, err)
	}
	return doc.Days, nil
}
