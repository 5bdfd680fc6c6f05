package summary

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadEvents decodes every record in an event file.
func ReadEvents(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()

	var events []*Event
	r := bufio.NewReader(f)
	for {
		data, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("%s: record %d: %w", path, len(events), err)
		}
		e, err := UnmarshalEvent(data)
		if err != nil {
			return events, fmt.Errorf("%s: record %d: %w", path, len(events), err)
		}
		events = append(events, e)
	}
}

// ReadScalars returns every scalar in the event files of dir, in file name
// order and then record order.
func ReadScalars(dir string) ([]Scalar, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "events.out.tfevents.*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []Scalar
	for _, path := range matches {
		events, err := ReadEvents(path)
		if err != nil {
			return out, err
		}
		for _, e := range events {
			for _, v := range e.Values {
				out = append(out, Scalar{Tag: v.Tag, Value: v.SimpleValue, Step: e.Step})
			}
		}
	}
	return out, nil
}

// Filter keeps the scalars whose tag equals tag or ends with "/"+tag.
func Filter(scalars []Scalar, tag string) []Scalar {
	var out []Scalar
	for _, s := range scalars {
		if s.Tag == tag || strings.HasSuffix(s.Tag, "/"+tag) {
			out = append(out, s)
		}
	}
	return out
}
