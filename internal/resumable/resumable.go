// Package resumable keeps the encoded frames of in-flight streams so a
// client that lost its connection can re-attach and replay from an offset.
package resumable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/notifier"
)

// Errors returned by stores.
var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream already exists")
	ErrStreamFinished = errors.New("stream already finished")
)

// DefaultRetention is how long a finished stream stays replayable.
const DefaultRetention = 10 * time.Minute

// Store is a frame log keyed by stream id.
// Frames are appended by one producer and read by any number of subscribers.
type Store interface {
	Create(streamID string) error
	Append(streamID string, frame []byte) error
	Finish(streamID string) error
	// Subscribe replays frames from offset and follows new ones. The channel
	// closes after the last frame of a finished stream or when ctx is done.
	Subscribe(ctx context.Context, streamID string, offset int) (<-chan []byte, error)
}

type stream struct {
	frames   [][]byte
	finished bool
}

// MemoryStore is an in-process Store. Subscribers are woken through a notifier.
type MemoryStore struct {
	mu        sync.Mutex
	streams   map[string]*stream
	notifier  *notifier.Notifier
	retention time.Duration
	logger    *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store.
// A non-positive retention uses DefaultRetention; a nil logger discards.
func NewMemoryStore(retention time.Duration, logger *slog.Logger) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MemoryStore{
		streams:   make(map[string]*stream),
		notifier:  notifier.New(),
		retention: retention,
		logger:    logger,
	}
}

// Create registers an empty stream.
func (m *MemoryStore) Create(streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[streamID]; ok {
		return fmt.Errorf("%w: %s", ErrStreamExists, streamID)
	}
	m.streams[streamID] = &stream{}
	return nil
}

// Append adds a frame and wakes subscribers.
func (m *MemoryStore) Append(streamID string, frame []byte) error {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	if s.finished {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamFinished, streamID)
	}
	s.frames = append(s.frames, frame)
	m.mu.Unlock()

	m.notifier.Broadcast(streamID)
	return nil
}

// Finish marks the stream complete and schedules its removal.
func (m *MemoryStore) Finish(streamID string) error {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	s.finished = true
	m.mu.Unlock()

	m.notifier.Broadcast(streamID)

	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		delete(m.streams, streamID)
		m.mu.Unlock()
		m.logger.Debug("stream expired", "stream_id", streamID)
	})
	return nil
}

// Len returns the number of frames stored for a stream.
func (m *MemoryStore) Len(streamID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return 0, false
	}
	return len(s.frames), true
}

// Subscribe replays frames from offset and follows the stream.
func (m *MemoryStore) Subscribe(ctx context.Context, streamID string, offset int) (<-chan []byte, error) {
	if offset < 0 {
		offset = 0
	}

	m.mu.Lock()
	_, ok := m.streams[streamID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}

	// subscribe before the first read so no append is missed
	ping := m.notifier.Subscribe(streamID)
	out := make(chan []byte, 16)

	go func() {
		defer close(out)
		defer m.notifier.Unsubscribe(streamID, ping)

		next := offset
		for {
			frames, finished, ok := m.read(streamID, next)
			if !ok {
				return
			}
			for _, f := range frames {
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
			next += len(frames)

			if finished {
				return
			}

			select {
			case <-ping:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// read returns every frame from offset and whether the stream is finished.
// A finished stream gets no more frames, so the caller is caught up once
// it has sent what read returned.
func (m *MemoryStore) read(streamID string, offset int) ([][]byte, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[streamID]
	if !ok {
		return nil, false, false
	}
	if offset >= len(s.frames) {
		return nil, s.finished, true
	}
	frames := make([][]byte, len(s.frames)-offset)
	copy(frames, s.frames[offset:])
	return frames, s.finished, true
}
