package training

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tsawler/vggtrain/checkpoints"
	"github.com/tsawler/vggtrain/summary"
)

// Context owns the state shared by one training run: the global step, the
// checkpoint store and the two summary logs. Nothing here is global; a
// process may run several trainers with separate contexts.
type Context struct {
	RunID         string
	LogDir        string
	Store         *checkpoints.Store
	TrainLog      *summary.Writer
	ValidationLog *summary.Writer

	// GlobalStep counts completed optimisation steps.
	GlobalStep int
}

// NewContext opens the checkpoint store in logDir and the summary logs in
// logDir/train and logDir/validation.
func NewContext(logDir string, store checkpoints.StoreConfig) (*Context, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	train, err := summary.NewWriter(filepath.Join(logDir, "train"))
	if err != nil {
		return nil, err
	}
	validation, err := summary.NewWriter(filepath.Join(logDir, "validation"))
	if err != nil {
		train.Close()
		return nil, err
	}
	return &Context{
		RunID:         uuid.NewString(),
		LogDir:        logDir,
		Store:         checkpoints.NewStore(logDir, store),
		TrainLog:      train,
		ValidationLog: validation,
	}, nil
}

// ResetLogDir removes logDir and everything in it, then recreates it empty.
func ResetLogDir(logDir string) error {
	if err := os.RemoveAll(logDir); err != nil {
		return fmt.Errorf("failed to clear log directory: %w", err)
	}
	return os.MkdirAll(logDir, 0755)
}

// Close flushes and closes both summary logs.
func (c *Context) Close() error {
	return errors.Join(c.TrainLog.Close(), c.ValidationLog.Close())
}
