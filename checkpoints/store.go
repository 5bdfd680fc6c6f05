package checkpoints

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/tsawler/vggtrain/layers"
)

// PointerFile is the name of the file naming the most recent complete
// checkpoint in a directory.
const PointerFile = "checkpoint"

// ErrNoCheckpoint is returned when a directory holds no published checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint file found")

// StoreConfig configures checkpoint saving behavior
type StoreConfig struct {
	Format    CheckpointFormat // Gob or JSON
	MaxToKeep int              // Checkpoints retained after each save (0 = unlimited)
	Prefix    string           // File name prefix, "model.ckpt" by default
}

// DefaultStoreConfig returns a sensible default configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Format:    FormatGob,
		MaxToKeep: 5,
		Prefix:    "model.ckpt",
	}
}

// State is the parsed content of the pointer file. Paths are relative to
// the checkpoint directory.
type State struct {
	ModelCheckpointPath     string
	AllModelCheckpointPaths []string
}

// Store owns a checkpoint directory. Saves are serialised and published
// atomically: the checkpoint is written under a temporary name, renamed into
// place, and only then is the pointer file replaced. Readers that go through
// the pointer never observe a partially written checkpoint.
type Store struct {
	dir    string
	config StoreConfig
	mu     sync.Mutex
}

// NewStore creates a store rooted at dir. The directory is created lazily.
func NewStore(dir string, config StoreConfig) *Store {
	if config.Prefix == "" {
		config.Prefix = "model.ckpt"
	}
	return &Store{dir: dir, config: config}
}

func (s *Store) Dir() string {
	return s.dir
}

// FileName returns the checkpoint file name for a step.
func (s *Store) FileName(step int) string {
	return fmt.Sprintf("%s-%d.%s", s.config.Prefix, step, s.config.Format.Extension())
}

// Save writes checkpoint tagged with step and publishes it as the latest.
// It returns the absolute path of the new file.
func (s *Store) Save(checkpoint *Checkpoint, step int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	name := s.FileName(step)
	saver := NewCheckpointSaver(s.config.Format)
	err := writeAtomic(s.dir, name, func(f *os.File) error {
		return saver.Encode(checkpoint, f)
	})
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}

	state, err := ReadState(s.dir)
	if err != nil && !errors.Is(err, ErrNoCheckpoint) {
		return "", err
	}
	if state == nil {
		state = &State{}
	}
	state.ModelCheckpointPath = name
	state.AllModelCheckpointPaths = appendUnique(state.AllModelCheckpointPaths, name)

	var stale []string
	if s.config.MaxToKeep > 0 && len(state.AllModelCheckpointPaths) > s.config.MaxToKeep {
		cut := len(state.AllModelCheckpointPaths) - s.config.MaxToKeep
		stale = state.AllModelCheckpointPaths[:cut]
		state.AllModelCheckpointPaths = append([]string(nil), state.AllModelCheckpointPaths[cut:]...)
	}

	if err := writeState(s.dir, state); err != nil {
		return "", err
	}

	// Superseded files are only removed once the pointer no longer names them.
	for _, old := range stale {
		if err := os.Remove(filepath.Join(s.dir, old)); err != nil && !os.IsNotExist(err) {
			klog.Warningf("Failed to remove old checkpoint %s: %v", old, err)
		}
	}

	return filepath.Join(s.dir, name), nil
}

// Latest returns the path of the most recent complete checkpoint, or
// ErrNoCheckpoint.
func (s *Store) Latest() (string, error) {
	return LatestCheckpoint(s.dir)
}

// LoadLatest loads the most recent complete checkpoint.
func (s *Store) LoadLatest() (*Checkpoint, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := LatestCheckpoint(s.dir)
	if err != nil {
		return nil, "", err
	}
	ckpt, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return ckpt, path, nil
}

// LatestCheckpoint follows the pointer file in dir.
func LatestCheckpoint(dir string) (string, error) {
	state, err := ReadState(dir)
	if err != nil {
		return "", err
	}
	if state.ModelCheckpointPath == "" {
		return "", ErrNoCheckpoint
	}
	path := state.ModelCheckpointPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: pointer names missing file %s", ErrNoCheckpoint, path)
		}
		return "", err
	}
	return path, nil
}

// Load decodes a checkpoint file, choosing the codec from its extension.
func Load(path string) (*Checkpoint, error) {
	format := FormatGob
	if strings.HasSuffix(path, "."+FormatJSON.Extension()) {
		format = FormatJSON
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

// StepFromPath extracts the step suffix from a checkpoint file name.
func StepFromPath(path string) (int, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	i := strings.LastIndex(base, "-")
	if i < 0 {
		return 0, fmt.Errorf("checkpoint name %q has no step suffix", base)
	}
	return strconv.Atoi(base[i+1:])
}

// ReadState parses the pointer file. A missing file yields ErrNoCheckpoint.
func ReadState(dir string) (*State, error) {
	f, err := os.Open(filepath.Join(dir, PointerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("failed to open checkpoint state: %w", err)
	}
	defer f.Close()

	state := &State{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed checkpoint state line %q", line)
		}
		value, err := strconv.Unquote(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("malformed checkpoint state value in %q: %w", line, err)
		}
		switch strings.TrimSpace(key) {
		case "model_checkpoint_path":
			state.ModelCheckpointPath = value
		case "all_model_checkpoint_paths":
			state.AllModelCheckpointPaths = append(state.AllModelCheckpointPaths, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint state: %w", err)
	}
	return state, nil
}

func writeState(dir string, state *State) error {
	var b strings.Builder
	fmt.Fprintf(&b, "model_checkpoint_path: %s\n", strconv.Quote(state.ModelCheckpointPath))
	for _, p := range state.AllModelCheckpointPaths {
		fmt.Fprintf(&b, "all_model_checkpoint_paths: %s\n", strconv.Quote(p))
	}
	err := writeAtomic(dir, PointerFile, func(f *os.File) error {
		_, err := f.WriteString(b.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update checkpoint state: %w", err)
	}
	return nil
}

// writeAtomic writes name in dir through a synced temporary file and rename.
func writeAtomic(dir, name string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func appendUnique(list []string, name string) []string {
	out := list[:0:0]
	for _, p := range list {
		if p != name {
			out = append(out, p)
		}
	}
	return append(out, name)
}

// ModelsCompatible reports whether weights saved for b can be loaded into a.
func ModelsCompatible(a, b *layers.ModelSpec) bool {
	if a == nil || b == nil {
		return false
	}
	if len(a.Layers) != len(b.Layers) {
		return false
	}
	for i, layer1 := range a.Layers {
		layer2 := b.Layers[i]
		if layer1.Type != layer2.Type {
			return false
		}
		if len(layer1.ParameterShapes) != len(layer2.ParameterShapes) {
			return false
		}
		for j, shape1 := range layer1.ParameterShapes {
			shape2 := layer2.ParameterShapes[j]
			if len(shape1) != len(shape2) {
				return false
			}
			for k, dim1 := range shape1 {
				if dim1 != shape2[k] {
					return false
				}
			}
		}
	}
	return true
}
