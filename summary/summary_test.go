package summary

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEventRoundTrip(t *testing.T) {
	e := &Event{
		WallTime: 1700000000.25,
		Step:     42,
		Values: []Value{
			{Tag: "loss", SimpleValue: 1.5},
			{Tag: "learning_rate", SimpleValue: 0.1},
		},
	}
	decoded, err := UnmarshalEvent(e.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalEvent failed: %v", err)
	}
	if diff := cmp.Diff(e, decoded); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

// Known encoding of Event{wall_time: 1, step: 3, summary{value{tag:"a", simple_value: 1}}}.
func TestEventWireFormat(t *testing.T) {
	e := &Event{WallTime: 1, Step: 3, Values: []Value{{Tag: "a", SimpleValue: 1}}}
	want := []byte{
		0x09, 0, 0, 0, 0, 0, 0, 0xf0, 0x3f, // wall_time
		0x10, 0x03, // step
		0x2a, 0x0a, // summary, 10 bytes
		0x0a, 0x08, // value, 8 bytes
		0x0a, 0x01, 'a', // tag
		0x15, 0, 0, 0x80, 0x3f, // simple_value
	}
	if diff := cmp.Diff(want, e.Marshal()); diff != "" {
		t.Errorf("wire bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordFraming(t *testing.T) {
	var buf bytes.Buffer
	for _, payload := range [][]byte{[]byte("first"), {}, []byte("third record")} {
		if err := writeRecord(&buf, payload); err != nil {
			t.Fatal(err)
		}
	}
	if buf.Len() != 3*16+len("first")+len("third record") {
		t.Errorf("unexpected framed length %d", buf.Len())
	}

	r := bytes.NewReader(buf.Bytes())
	for _, want := range []string{"first", "", "third record"} {
		got, err := readRecord(r)
		if err != nil {
			t.Fatalf("readRecord failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("readRecord = %q, want %q", got, want)
		}
	}

	corrupt := append([]byte(nil), buf.Bytes()...)
	corrupt[14] ^= 0xff
	if _, err := readRecord(bytes.NewReader(corrupt)); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got %v", err)
	}
}

// crc32c("123456789") = 0xe3069283
func TestMaskedCRC(t *testing.T) {
	crc := uint32(0xe3069283)
	want := ((crc >> 15) | (crc << 17)) + 0xa282ead8
	if got := maskedCRC([]byte("123456789")); got != want {
		t.Errorf("maskedCRC = %#x, want %#x", got, want)
	}
}

func TestWriterAppendsScalars(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "train")
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(w.Path()), "events.out.tfevents.") {
		t.Errorf("unexpected event file name %s", w.Path())
	}

	if err := w.AddScalar("loss", 2.5, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.AddScalars(10, Scalar{Tag: "loss", Value: 1.25}, Scalar{Tag: "learning_rate", Value: 0.1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := w.AddScalar("loss", 1, 20); err == nil {
		t.Error("expected error writing to a closed writer")
	}

	events, err := ReadEvents(w.Path())
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 3 || events[0].FileVersion != FileVersion {
		t.Fatalf("expected file version header and 2 events, got %+v", events)
	}

	scalars, err := ReadScalars(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []Scalar{
		{Tag: "loss", Value: 2.5, Step: 0},
		{Tag: "loss", Value: 1.25, Step: 10},
		{Tag: "learning_rate", Value: 0.1, Step: 10},
	}
	if diff := cmp.Diff(want, scalars); diff != "" {
		t.Errorf("scalars mismatch (-want +got):\n%s", diff)
	}
	if got := Filter(scalars, "loss"); len(got) != 2 {
		t.Errorf("Filter(loss) returned %d scalars", len(got))
	}
}

func TestWriterRejectsMismatchedStep(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.AddScalars(5, Scalar{Tag: "loss", Value: 1, Step: 9}); err == nil {
		t.Error("Expected an error for a scalar whose step differs from the event step")
	}
	if err := w.AddScalars(5, Scalar{Tag: "loss", Value: 1, Step: 5}); err != nil {
		t.Errorf("matching step rejected: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	scalars, err := ReadScalars(filepath.Dir(w.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Scalar{{Tag: "loss", Value: 1, Step: 5}}, scalars); diff != "" {
		t.Errorf("scalars mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterConcurrentUse(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := w.AddScalar("accuracy", float32(g), int64(i)); err != nil {
					t.Errorf("AddScalar: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	w.Close()

	scalars, err := ReadScalars(dir)
	if err != nil {
		t.Fatalf("ReadScalars failed: %v", err)
	}
	if len(scalars) != 100 {
		t.Errorf("expected 100 scalars, got %d", len(scalars))
	}
}

func TestReadScalarsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir)
	w.AddScalar("loss", 1, 1)
	w.Close()

	data, _ := os.ReadFile(w.Path())
	os.WriteFile(w.Path(), data[:len(data)-3], 0644)
	if _, err := ReadScalars(dir); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord for truncated file, got %v", err)
	}
}
