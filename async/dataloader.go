package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/tsawler/vggtrain/tensor"
)

var (
	// ErrStopped is returned by Next once the loader has been stopped.
	ErrStopped = errors.New("data loader has been stopped")
	// ErrBatchTimeout is returned by Next when no batch arrives within the
	// configured BatchTimeout.
	ErrBatchTimeout = errors.New("timed out waiting for batch")
	ErrNotStarted   = errors.New("data loader has not been started")
)

// Batch is one group of examples handed to the consumer. It is consumed
// exactly once.
type Batch struct {
	Inputs *tensor.Tensor // [batch, channels, height, width]
	Labels []int
	ID     uint64
}

func (b *Batch) Size() int {
	return len(b.Labels)
}

// DataSource produces batches. Implementations must be safe for concurrent
// use by several producers and should return promptly once ctx is done.
type DataSource interface {
	NextBatch(ctx context.Context, batchSize int) (inputs *tensor.Tensor, labels []int, err error)

	// Size returns the total number of samples available
	Size() int
}

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	BatchSize     int           // Size of each batch
	PrefetchDepth int           // Number of batches to prefetch (default: 3)
	Workers       int           // Number of background workers (default: 2)
	BatchTimeout  time.Duration // Next fails after this long without a batch (0 = wait forever)
}

// AsyncDataLoader runs producer goroutines that fill a bounded queue of
// batches. Producers share one cancellation token; the first producer error
// cancels the rest. Stop joins every producer on every path.
type AsyncDataLoader struct {
	dataSource    DataSource
	batchSize     int
	prefetchDepth int
	workers       int
	batchTimeout  time.Duration

	batchChannel chan *Batch
	done         chan struct{}
	cancel       context.CancelFunc

	batchCounter atomic.Uint64
	active       atomic.Int32
	err          error

	isRunning bool
	stopped   bool
	mutex     sync.RWMutex
}

// NewAsyncDataLoader creates a new asynchronous data loader
func NewAsyncDataLoader(dataSource DataSource, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if dataSource == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}

	return &AsyncDataLoader{
		dataSource:    dataSource,
		batchSize:     config.BatchSize,
		prefetchDepth: config.PrefetchDepth,
		workers:       config.Workers,
		batchTimeout:  config.BatchTimeout,
		batchChannel:  make(chan *Batch, config.PrefetchDepth),
		done:          make(chan struct{}),
	}, nil
}

// Start launches the producers. They run until ctx is cancelled, Stop is
// called, or one of them fails.
func (adl *AsyncDataLoader) Start(ctx context.Context) error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if adl.isRunning {
		return fmt.Errorf("data loader is already running")
	}
	if adl.stopped {
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < adl.workers; i++ {
		id := i
		adl.active.Add(1)
		g.Go(func() error {
			defer adl.active.Add(-1)
			return adl.worker(gctx, id)
		})
	}
	go func() {
		err := g.Wait()
		adl.mutex.Lock()
		adl.err = err
		adl.mutex.Unlock()
		close(adl.done)
	}()

	adl.cancel = cancel
	adl.isRunning = true
	klog.V(2).Infof("data loader started: %d workers, batch size %d, prefetch %d",
		adl.workers, adl.batchSize, adl.prefetchDepth)
	return nil
}

// Stop cancels the producers, waits for all of them to exit and discards
// queued batches. It is safe to call more than once and returns the first
// producer error, if any.
func (adl *AsyncDataLoader) Stop() error {
	adl.mutex.Lock()
	if !adl.isRunning {
		adl.stopped = true
		adl.mutex.Unlock()
		return adl.Err()
	}
	adl.isRunning = false
	adl.stopped = true
	cancel := adl.cancel
	adl.mutex.Unlock()

	cancel()
	<-adl.done

	close(adl.batchChannel)
	for range adl.batchChannel {
	}
	klog.V(2).Infof("data loader stopped after %d batches", adl.batchCounter.Load())
	return adl.Err()
}

// Err returns the first producer error once the producers have exited.
func (adl *AsyncDataLoader) Err() error {
	adl.mutex.RLock()
	defer adl.mutex.RUnlock()
	return adl.err
}

// Next returns the next ready batch, blocking until one is available, a
// producer fails, ctx is done, or the batch timeout expires.
func (adl *AsyncDataLoader) Next(ctx context.Context) (*Batch, error) {
	adl.mutex.RLock()
	running, stopped := adl.isRunning, adl.stopped
	adl.mutex.RUnlock()
	if stopped {
		return nil, ErrStopped
	}
	if !running {
		return nil, ErrNotStarted
	}

	var timeout <-chan time.Time
	if adl.batchTimeout > 0 {
		timer := time.NewTimer(adl.batchTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case batch, ok := <-adl.batchChannel:
		if !ok {
			return nil, ErrStopped
		}
		return batch, nil
	case <-adl.done:
		// A queued batch is still valid if the producers exited cleanly.
		if err := adl.Err(); err != nil {
			return nil, fmt.Errorf("data loader error: %w", err)
		}
		select {
		case batch, ok := <-adl.batchChannel:
			if ok {
				return batch, nil
			}
		default:
		}
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w after %s", ErrBatchTimeout, adl.batchTimeout)
	}
}

// worker runs in background to load batches until ctx is done
func (adl *AsyncDataLoader) worker(ctx context.Context, workerID int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		inputs, labels, err := adl.dataSource.NextBatch(ctx, adl.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: %w", workerID, err)
		}

		batch := &Batch{
			Inputs: inputs,
			Labels: labels,
			ID:     adl.batchCounter.Add(1) - 1,
		}
		select {
		case adl.batchChannel <- batch:
		case <-ctx.Done():
			return nil
		}
	}
}

// Stats returns statistics about the data loader
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.RLock()
	defer adl.mutex.RUnlock()

	return AsyncDataLoaderStats{
		IsRunning:       adl.isRunning,
		BatchesProduced: adl.batchCounter.Load(),
		QueuedBatches:   len(adl.batchChannel),
		QueueCapacity:   cap(adl.batchChannel),
		Workers:         adl.workers,
		ActiveWorkers:   int(adl.active.Load()),
	}
}

// AsyncDataLoaderStats provides statistics about the data loader
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Workers         int
	ActiveWorkers   int
}
