package training

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"miqa/internal/models"
	"miqa/pkg/volume"
)

type loaded struct {
	volume *models.Volume
	err    error
}

// Stream yields decoded volumes in the order of its paths while up to
// workers goroutines load ahead, never more than depth volumes at a time.
type Stream struct {
	paths  []string
	slots  []chan loaded
	window chan struct{}
	next   int

	cancel   context.CancelFunc
	group    *errgroup.Group
	produced chan struct{}
}

// Prefetch starts loading paths with loader. The caller must Close the
// stream when done with it.
func Prefetch(ctx context.Context, loader volume.Loader, paths []string, workers, depth int) *Stream {
	workers = max(1, workers)
	depth = max(1, depth)

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	s := &Stream{
		paths:    paths,
		slots:    make([]chan loaded, len(paths)),
		window:   make(chan struct{}, depth),
		cancel:   cancel,
		group:    group,
		produced: make(chan struct{}),
	}
	for i := range s.slots {
		s.slots[i] = make(chan loaded, 1)
	}

	go func() {
		defer close(s.produced)
		for i, path := range paths {
			select {
			case s.window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			path := path
			slot := s.slots[i]
			group.Go(func() error {
				v, err := loader.Load(path)
				if err != nil {
					err = fmt.Errorf("load %s: %w", path, err)
				}
				slot <- loaded{volume: v, err: err}
				return err
			})
		}
	}()
	return s
}

// Len returns the number of paths in the stream.
func (s *Stream) Len() int {
	return len(s.paths)
}

// Next returns the next volume and its path, or io.EOF after the last one.
func (s *Stream) Next(ctx context.Context) (*models.Volume, string, error) {
	if s.next >= len(s.paths) {
		return nil, "", io.EOF
	}
	i := s.next
	select {
	case item := <-s.slots[i]:
		s.next++
		<-s.window
		return item.volume, s.paths[i], item.err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// Close stops loading and waits for the workers to exit. Load errors are
// reported by Next, not by Close.
func (s *Stream) Close() {
	s.cancel()
	<-s.produced
	_ = s.group.Wait()
}
