package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/tsawler/vggtrain/async"
	"github.com/tsawler/vggtrain/vision/preprocessing"
)

// DefaultCacheSize is the number of decoded images an ImageFolder keeps.
const DefaultCacheSize = 2048

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int

	processor *preprocessing.ImageProcessor
	cache     *CacheManager
}

// NewImageFolderDataset creates a dataset from a directory structure.
// Images are decoded to size x size on demand.
func NewImageFolderDataset(root string, extensions []string, size int) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int),
		processor:  preprocessing.NewImageProcessor(size),
		cache:      NewCacheManager(DefaultCacheSize),
	}

	// Find all classes (subdirectories)
	classes, err := filepath.Glob(filepath.Join(root, "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	sort.Strings(classes)

	classIdx := 0
	for _, classPath := range classes {
		info, err := os.Stat(classPath)
		if err != nil || !info.IsDir() {
			continue
		}

		className := filepath.Base(classPath)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		// Find all images in this class
		for _, ext := range extensions {
			files, err := filepath.Glob(filepath.Join(classPath, "*"+ext))
			if err != nil {
				continue
			}
			sort.Strings(files)
			for _, file := range files {
				dataset.imagePaths = append(dataset.imagePaths, file)
				dataset.labels = append(dataset.labels, classIdx)
			}
		}

		classIdx++
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Example decodes image i into dst, going through the cache.
func (d *ImageFolderDataset) Example(i int, dst []float32) (int, error) {
	path, label, err := d.GetItem(i)
	if err != nil {
		return 0, err
	}
	data, ok := d.cache.Get(path)
	if !ok {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("failed to open image: %w", err)
		}
		img, err := d.processor.DecodeAndPreprocess(f)
		f.Close()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		data = img.Data
		d.cache.Put(path, data)
	}
	if len(dst) != len(data) {
		return 0, fmt.Errorf("destination holds %d values, need %d", len(dst), len(data))
	}
	copy(dst, data)
	return label, nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// CacheStats reports the decoded image cache.
func (d *ImageFolderDataset) CacheStats() CacheStats {
	return d.cache.Stats()
}

// Split splits the dataset into two parts using a seeded shuffle. Both parts
// share the decoded image cache.
func (d *ImageFolderDataset) Split(trainRatio float64, seed int64) (*ImageFolderDataset, *ImageFolderDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)

	indices := rand.New(rand.NewSource(seed)).Perm(n)
	return d.subset(indices[:trainSize]), d.subset(indices[trainSize:])
}

func (d *ImageFolderDataset) subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
		processor:  d.processor,
		cache:      d.cache,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}
	return sb.String()
}

// ImageFolder is a Dataset over root/train/<class> and root/test/<class>.
// Without a test directory, a fifth of root/train (or of root itself) is
// held out with a fixed seed.
type ImageFolder struct {
	train *ImageFolderDataset
	test  *ImageFolderDataset
	size  int
}

func NewImageFolder(root string, size int) (*ImageFolder, error) {
	trainRoot := filepath.Join(root, "train")
	if _, err := os.Stat(trainRoot); err != nil {
		trainRoot = root
	}
	train, err := NewImageFolderDataset(trainRoot, nil, size)
	if err != nil {
		return nil, err
	}

	var test *ImageFolderDataset
	if _, err := os.Stat(filepath.Join(root, "test")); err == nil {
		test, err = NewImageFolderDataset(filepath.Join(root, "test"), nil, size)
		if err != nil {
			return nil, err
		}
		if test.NumClasses() != train.NumClasses() {
			return nil, fmt.Errorf("test has %d classes, train has %d", test.NumClasses(), train.NumClasses())
		}
	} else {
		train, test = train.Split(0.8, 42)
		klog.V(1).Infof("No test directory under %s, holding out %d of %d images", root, test.Len(), train.Len()+test.Len())
	}
	return &ImageFolder{train: train, test: test, size: size}, nil
}

func (f *ImageFolder) Name() string      { return "folder" }
func (f *ImageFolder) NumClasses() int   { return f.train.NumClasses() }
func (f *ImageFolder) ImageShape() []int { return []int{3, f.size, f.size} }

func (f *ImageFolder) split(t InputType) (*ImageFolderDataset, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	if t == Train {
		return f.train, nil
	}
	return f.test, nil
}

func (f *ImageFolder) NumExamples(t InputType) (int, error) {
	s, err := f.split(t)
	if err != nil {
		return 0, err
	}
	return s.Len(), nil
}

func (f *ImageFolder) Source(t InputType, opts SourceOptions) (async.DataSource, error) {
	s, err := f.split(t)
	if err != nil {
		return nil, err
	}
	return NewSource(s, f.ImageShape(), opts)
}
