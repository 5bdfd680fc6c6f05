package dataset

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/vggtrain/vision/preprocessing"
)

// writeCIFARFile writes n records whose label is (start+i)%10 and whose
// pixels all equal the label.
func writeCIFARFile(t *testing.T, path string, start, n int) {
	t.Helper()
	data := make([]byte, 0, n*cifarRecordBytes)
	for i := 0; i < n; i++ {
		label := byte((start + i) % 10)
		rec := make([]byte, cifarRecordBytes)
		rec[0] = label
		for j := 1; j < len(rec); j++ {
			rec[j] = label
		}
		data = append(data, rec...)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func createCIFARDir(t *testing.T, perFile, testN int) string {
	t.Helper()
	dir := t.TempDir()
	batches := filepath.Join(dir, CIFAR10BatchesDir)
	for i := 1; i <= cifarTrainFiles; i++ {
		writeCIFARFile(t, filepath.Join(batches, "data_batch_"+string(rune('0'+i))+".bin"), (i-1)*perFile, perFile)
	}
	writeCIFARFile(t, filepath.Join(batches, "test_batch.bin"), 0, testN)
	return dir
}

func TestInputType(t *testing.T) {
	for _, it := range []InputType{Train, Validation, Test} {
		if err := it.Check(); err != nil {
			t.Errorf("%s: unexpected error %v", it, err)
		}
		parsed, err := ParseInputType(it.String())
		if err != nil || parsed != it {
			t.Errorf("ParseInputType(%q) = %v, %v", it.String(), parsed, err)
		}
	}
	if err := InputType(7).Check(); !errors.Is(err, ErrInvalidInputType) {
		t.Errorf("Expected ErrInvalidInputType, got %v", err)
	}
	if _, err := ParseInputType("holdout"); !errors.Is(err, ErrInvalidInputType) {
		t.Errorf("Expected ErrInvalidInputType, got %v", err)
	}
}

func TestCIFAR10NumExamples(t *testing.T) {
	dir := createCIFARDir(t, 4, 6)
	c := NewCIFAR10(dir)

	n, err := c.NumExamples(Train)
	if err != nil || n != 20 {
		t.Errorf("train examples = %d, %v; want 20", n, err)
	}
	for _, it := range []InputType{Validation, Test} {
		n, err := c.NumExamples(it)
		if err != nil || n != 6 {
			t.Errorf("%s examples = %d, %v; want 6", it, n, err)
		}
	}
	if _, err := c.NumExamples(InputType(-1)); !errors.Is(err, ErrInvalidInputType) {
		t.Errorf("Expected ErrInvalidInputType, got %v", err)
	}

	// The batches directory itself works as the root too.
	n, err = NewCIFAR10(filepath.Join(dir, CIFAR10BatchesDir)).NumExamples(Test)
	if err != nil || n != 6 {
		t.Errorf("nested dir: %d, %v", n, err)
	}

	if _, err := NewCIFAR10(t.TempDir()).NumExamples(Train); err == nil {
		t.Error("Expected error for missing files")
	}
}

func TestCIFAR10Source(t *testing.T) {
	dir := createCIFARDir(t, 4, 6)
	c := NewCIFAR10(dir)

	src, err := c.Source(Test, SourceOptions{})
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	if src.Size() != 6 {
		t.Errorf("Expected size 6, got %d", src.Size())
	}

	ctx := context.Background()
	inputs, labels, err := src.NextBatch(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4, 3, 32, 32}, inputs.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3}, labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if got := inputs.Row(3)[100]; got != 3.0/255 {
		t.Errorf("pixel value = %f, want %f", got, 3.0/255)
	}

	// The second batch wraps around to the start of the split.
	_, labels, err = src.NextBatch(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4, 5, 0, 1}, labels); diff != "" {
		t.Errorf("wrapped labels mismatch (-want +got):\n%s", diff)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := src.NextBatch(cancelled, 4); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestShuffledSourceCoversEpoch(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{TrainExamples: 30, ImageSize: 4, Seed: 3})
	src, err := s.Source(Train, SourceOptions{Shuffle: true, Seed: 9, Preprocessing: preprocessing.TrainingConfig()})
	if err != nil {
		t.Fatal(err)
	}

	counts := make(map[int]int)
	for i := 0; i < 3; i++ {
		inputs, labels, err := src.NextBatch(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if inputs.Rows() != 10 {
			t.Fatalf("Expected 10 rows, got %d", inputs.Rows())
		}
		for _, l := range labels {
			counts[l]++
		}
	}
	// 30 examples, labels id%10: one full epoch has three of each class.
	for c := 0; c < 10; c++ {
		if counts[c] != 3 {
			t.Errorf("class %d seen %d times in one epoch, want 3", c, counts[c])
		}
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	a := NewSynthetic(SyntheticConfig{ImageSize: 8, Seed: 1})
	b := NewSynthetic(SyntheticConfig{ImageSize: 8, Seed: 1})

	sa, _ := a.Source(Validation, SourceOptions{})
	sb, _ := b.Source(Validation, SourceOptions{})
	ia, la, err := sa.NextBatch(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	ib, lb, _ := sb.NextBatch(context.Background(), 5)
	if diff := cmp.Diff(la, lb); diff != "" {
		t.Errorf("labels differ:\n%s", diff)
	}
	if diff := cmp.Diff(ia.Data, ib.Data); diff != "" {
		t.Error("images differ between identical synthetic datasets")
	}

	n, _ := a.NumExamples(Train)
	if n != 1000 {
		t.Errorf("Expected default 1000 train examples, got %d", n)
	}
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, c)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestImageFolder(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writePNG(t, filepath.Join(root, "train", "cat", "c"+string(rune('0'+i))+".png"), color.RGBA{R: 255, A: 255})
		writePNG(t, filepath.Join(root, "train", "dog", "d"+string(rune('0'+i))+".png"), color.RGBA{B: 255, A: 255})
	}
	writePNG(t, filepath.Join(root, "test", "cat", "c.png"), color.RGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(root, "test", "dog", "d.png"), color.RGBA{B: 255, A: 255})

	ds, err := NewImageFolder(root, 4)
	if err != nil {
		t.Fatalf("NewImageFolder failed: %v", err)
	}
	if ds.NumClasses() != 2 {
		t.Errorf("Expected 2 classes, got %d", ds.NumClasses())
	}
	if n, _ := ds.NumExamples(Train); n != 10 {
		t.Errorf("Expected 10 train images, got %d", n)
	}
	if n, _ := ds.NumExamples(Test); n != 2 {
		t.Errorf("Expected 2 test images, got %d", n)
	}

	src, err := ds.Source(Test, SourceOptions{})
	if err != nil {
		t.Fatal(err)
	}
	inputs, labels, err := src.NextBatch(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1}, labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	// cat is red: red plane 1, blue plane 0.
	row := inputs.Row(0)
	if row[0] != 1 || row[2*16] != 0 {
		t.Errorf("cat pixel r=%f b=%f", row[0], row[2*16])
	}

	// Reading the same split again hits the cache.
	if _, _, err := src.NextBatch(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if hits := ds.test.CacheStats().Hits; hits < 2 {
		t.Errorf("Expected cache hits, got %d", hits)
	}
}

func TestImageFolderHoldout(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writePNG(t, filepath.Join(root, "a", "x"+string(rune('0'+i))+".png"), color.White)
		writePNG(t, filepath.Join(root, "b", "y"+string(rune('0'+i))+".png"), color.Black)
	}
	ds, err := NewImageFolder(root, 4)
	if err != nil {
		t.Fatal(err)
	}
	train, _ := ds.NumExamples(Train)
	test, _ := ds.NumExamples(Validation)
	if train != 8 || test != 2 {
		t.Errorf("Expected 8/2 holdout split, got %d/%d", train, test)
	}

	if _, err := NewImageFolder(t.TempDir(), 4); err == nil {
		t.Error("Expected error for empty folder")
	}
}

func TestOpen(t *testing.T) {
	for _, name := range []string{"cifar10", "synthetic"} {
		ds, err := Open(name, t.TempDir())
		if err != nil {
			t.Errorf("Open(%q) failed: %v", name, err)
			continue
		}
		if diff := cmp.Diff([]int{3, 32, 32}, ds.ImageShape()); diff != "" {
			t.Errorf("%s shape mismatch:\n%s", name, diff)
		}
	}
	if _, err := Open("mnist", ""); err == nil {
		t.Error("Expected error for unknown dataset")
	}
}
