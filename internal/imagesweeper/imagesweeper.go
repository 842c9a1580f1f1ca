// Package imagesweeper deletes replaced restaurant images in the background,
// in batches, so that request handlers never wait on the image host.
package imagesweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patric-chuzhbe/merneats/internal/logger"
)

// ErrQueueFull is returned by Enqueue when the sweeper cannot accept more keys.
var ErrQueueFull = errors.New("image sweeper queue is full")

type imageDeleter interface {
	Delete(ctx context.Context, keys ...string) error
}

// Sweeper collects image keys and deletes them every interval, or sooner once
// batchSize keys are pending. A failed batch is reported and dropped.
type Sweeper struct {
	queue                    chan string
	deleter                  imageDeleter
	delayBetweenQueueFetches time.Duration
	batchSize                int
	errorChannel             chan error
	done                     chan struct{}
	startOnce                sync.Once
}

// New creates a sweeper; Run must be called to start it.
func New(
	deleter imageDeleter,
	channelCapacity int,
	delayBetweenQueueFetches time.Duration,
	batchSize int,
) *Sweeper {
	if batchSize < 1 {
		batchSize = 1
	}

	return &Sweeper{
		queue:                    make(chan string, channelCapacity),
		deleter:                  deleter,
		delayBetweenQueueFetches: delayBetweenQueueFetches,
		batchSize:                batchSize,
		errorChannel:             make(chan error, channelCapacity),
		done:                     make(chan struct{}),
	}
}

// ListenErrors calls callback for every failed batch.
func (s *Sweeper) ListenErrors(callback func(error)) {
	go func() {
		for err := range s.errorChannel {
			callback(err)
		}
	}()
}

// Enqueue schedules keys for deletion without blocking.
func (s *Sweeper) Enqueue(keys ...string) error {
	for _, key := range keys {
		select {
		case s.queue <- key:
		default:
			return fmt.Errorf("%w: dropping %q", ErrQueueFull, key)
		}
	}

	return nil
}

// Run starts the worker. When ctx is cancelled it drains the queue, makes a
// final delete attempt and closes the error channel.
func (s *Sweeper) Run(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

// Done is closed once the worker has stopped.
func (s *Sweeper) Done() <-chan struct{} {
	return s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.errorChannel)

	ticker := time.NewTicker(s.delayBetweenQueueFetches)
	defer ticker.Stop()

	var keys []string
	for {
		select {
		case key := <-s.queue:
			keys = append(keys, key)
			if len(keys) >= s.batchSize {
				keys = s.flush(context.WithoutCancel(ctx), keys)
			}
		case <-ticker.C:
			keys = s.flush(context.WithoutCancel(ctx), keys)
		case <-ctx.Done():
		drain:
			for {
				select {
				case key := <-s.queue:
					keys = append(keys, key)
				default:
					break drain
				}
			}
			s.flush(context.WithoutCancel(ctx), keys)
			return
		}
	}
}

func (s *Sweeper) flush(ctx context.Context, keys []string) []string {
	if len(keys) == 0 {
		return keys
	}

	err := s.deleter.Delete(ctx, keys...)
	if err != nil {
		s.reportError(fmt.Errorf("in internal/imagesweeper/imagesweeper.go/flush(): error while `s.deleter.Delete()` calling: %w", err))
		return nil
	}

	logger.Log.Infof("processed removing of %d images", len(keys))

	return nil
}

func (s *Sweeper) reportError(err error) {
	select {
	case s.errorChannel <- err:
	default:
		logger.Log.Errorw("image sweeper error dropped", "error", err)
	}
}
