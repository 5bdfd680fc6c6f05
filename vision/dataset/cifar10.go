package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"

	"github.com/tsawler/vggtrain/async"
)

const (
	// CIFAR10URL is the binary distribution of CIFAR-10.
	CIFAR10URL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"

	// CIFAR10BatchesDir is the directory the archive extracts to.
	CIFAR10BatchesDir = "cifar-10-batches-bin"

	cifarImageSize   = 32
	cifarChannels    = 3
	cifarNumClasses  = 10
	cifarImageBytes  = cifarChannels * cifarImageSize * cifarImageSize
	cifarRecordBytes = 1 + cifarImageBytes
	cifarTrainFiles  = 5
)

// CIFAR10 reads the binary CIFAR-10 batches. Each record is one label byte
// followed by the red, green and blue planes of a 32x32 image.
//
// Train uses data_batch_1..5. Validation and Test both use test_batch.
type CIFAR10 struct {
	dir string

	mu     sync.Mutex
	splits map[string]*cifarSplit
}

// NewCIFAR10 returns a reader for dir, which is either the extracted
// cifar-10-batches-bin directory or its parent.
func NewCIFAR10(dir string) *CIFAR10 {
	return &CIFAR10{dir: dir, splits: make(map[string]*cifarSplit)}
}

func (c *CIFAR10) Name() string      { return "cifar10" }
func (c *CIFAR10) NumClasses() int   { return cifarNumClasses }
func (c *CIFAR10) ImageShape() []int { return []int{cifarChannels, cifarImageSize, cifarImageSize} }

func (c *CIFAR10) batchesDir() string {
	nested := filepath.Join(c.dir, CIFAR10BatchesDir)
	if info, err := os.Stat(nested); err == nil && info.IsDir() {
		return nested
	}
	return c.dir
}

// Files lists the batch files that make up split t.
func (c *CIFAR10) Files(t InputType) ([]string, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	dir := c.batchesDir()
	if t != Train {
		return []string{filepath.Join(dir, "test_batch.bin")}, nil
	}
	files := make([]string, cifarTrainFiles)
	for i := range files {
		files[i] = filepath.Join(dir, fmt.Sprintf("data_batch_%d.bin", i+1))
	}
	return files, nil
}

// NumExamples counts records from the file sizes without reading them.
func (c *CIFAR10) NumExamples(t InputType) (int, error) {
	files, err := c.Files(t)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return 0, fmt.Errorf("failed to find file: %w", err)
		}
		if info.Size()%cifarRecordBytes != 0 {
			return 0, fmt.Errorf("%s: size %d is not a multiple of %d", f, info.Size(), cifarRecordBytes)
		}
		total += int(info.Size() / cifarRecordBytes)
	}
	return total, nil
}

func (c *CIFAR10) Source(t InputType, opts SourceOptions) (async.DataSource, error) {
	split, err := c.load(t)
	if err != nil {
		return nil, err
	}
	return NewSource(split, c.ImageShape(), opts)
}

func (c *CIFAR10) load(t InputType) (*cifarSplit, error) {
	files, err := c.Files(t)
	if err != nil {
		return nil, err
	}
	key := files[0]

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.splits[key]; ok {
		return s, nil
	}

	var records []byte
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to find file: %w", err)
		}
		if len(data)%cifarRecordBytes != 0 {
			return nil, fmt.Errorf("%s: size %d is not a multiple of %d", f, len(data), cifarRecordBytes)
		}
		records = append(records, data...)
	}
	s := &cifarSplit{records: records}
	klog.V(1).Infof("Loaded %d %s examples from %d file(s)", s.Len(), t, len(files))
	c.splits[key] = s
	return s, nil
}

type cifarSplit struct {
	records []byte
}

func (s *cifarSplit) Len() int {
	return len(s.records) / cifarRecordBytes
}

func (s *cifarSplit) Example(i int, dst []float32) (int, error) {
	if i < 0 || i >= s.Len() {
		return 0, fmt.Errorf("index %d out of range [0, %d)", i, s.Len())
	}
	if len(dst) != cifarImageBytes {
		return 0, fmt.Errorf("destination holds %d values, need %d", len(dst), cifarImageBytes)
	}
	rec := s.records[i*cifarRecordBytes : (i+1)*cifarRecordBytes]
	label := int(rec[0])
	if label >= cifarNumClasses {
		return 0, fmt.Errorf("label %d out of range", label)
	}
	for j, b := range rec[1:] {
		dst[j] = float32(b) / 255
	}
	return label, nil
}
