package logstream

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind identifies a live-stream message type.
type Kind string

const (
	// KindSnapshot carries the full log as of subscription.
	KindSnapshot Kind = "snapshot"

	// KindChunk carries one chunk of process output.
	KindChunk Kind = "chunk"

	// KindKeepAlive carries no content.
	KindKeepAlive Kind = "keepalive"
)

// Message is delivered to live viewers.
type Message struct {
	Kind Kind
	Data string
}

// Viewer is one live connection subscribed to a run.
type Viewer struct {
	ID    string
	RunID string

	ch chan Message
}

// Messages returns the viewer's message channel. It is closed when the
// viewer is unregistered or evicted for falling behind.
func (v *Viewer) Messages() <-chan Message {
	return v.ch
}

// Broadcaster fans messages out to the live viewers of each run.
type Broadcaster interface {
	Start(ctx context.Context) error
	Stop() error

	// Register adds a viewer for runID whose first message is initial.
	Register(runID string, initial Message) *Viewer

	// Unregister removes a viewer. It is safe to call more than once.
	Unregister(v *Viewer)

	// Publish delivers msg to every viewer of runID without blocking. A
	// viewer whose buffer is full is evicted.
	Publish(runID string, msg Message)

	// Count returns the number of viewers of runID.
	Count(runID string) int
}

// Compile-time interface check.
var _ Broadcaster = (*broadcaster)(nil)

type broadcaster struct {
	log       logrus.FieldLogger
	keepAlive time.Duration
	buffer    int

	mu      sync.Mutex
	viewers map[string]mapset.Set[*Viewer]

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBroadcaster creates a Broadcaster. buffer is the number of messages a
// viewer may have pending before it is evicted.
func NewBroadcaster(
	log logrus.FieldLogger,
	keepAlive time.Duration,
	buffer int,
) Broadcaster {
	if buffer <= 0 {
		buffer = 1
	}

	return &broadcaster{
		log:       log.WithField("component", "broadcaster"),
		keepAlive: keepAlive,
		buffer:    buffer,
		viewers:   make(map[string]mapset.Set[*Viewer], 8),
		done:      make(chan struct{}),
	}
}

// Start launches the keep-alive loop.
func (b *broadcaster) Start(ctx context.Context) error {
	if b.keepAlive <= 0 {
		return nil
	}

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(b.keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				b.sendKeepAlives()
			case <-b.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop ends the keep-alive loop and disconnects every viewer.
func (b *broadcaster) Stop() error {
	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	for runID, set := range b.viewers {
		set.Each(func(v *Viewer) bool {
			close(v.ch)

			return false
		})

		delete(b.viewers, runID)
	}

	return nil
}

// Register adds a viewer for runID.
func (b *broadcaster) Register(runID string, initial Message) *Viewer {
	v := &Viewer{
		ID:    uuid.NewString(),
		RunID: runID,
		ch:    make(chan Message, b.buffer+1),
	}

	v.ch <- initial

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.viewers[runID]
	if !ok {
		set = mapset.NewThreadUnsafeSet[*Viewer]()
		b.viewers[runID] = set
	}

	set.Add(v)

	b.log.WithFields(logrus.Fields{
		"run_id":  runID,
		"viewer":  v.ID,
		"viewers": set.Cardinality(),
	}).Debug("Viewer subscribed")

	return v
}

// Unregister removes a viewer and drops the run's set when it empties.
func (b *broadcaster) Unregister(v *Viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.removeLocked(v) {
		b.log.WithFields(logrus.Fields{
			"run_id": v.RunID,
			"viewer": v.ID,
		}).Debug("Viewer unsubscribed")
	}
}

// Publish delivers msg to all viewers of runID.
func (b *broadcaster) Publish(runID string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.viewers[runID]
	if !ok {
		return
	}

	var slow []*Viewer

	set.Each(func(v *Viewer) bool {
		select {
		case v.ch <- msg:
		default:
			slow = append(slow, v)
		}

		return false
	})

	for _, v := range slow {
		b.removeLocked(v)

		b.log.WithFields(logrus.Fields{
			"run_id": runID,
			"viewer": v.ID,
		}).Warn("Evicted slow viewer")
	}
}

// Count returns the number of viewers of runID.
func (b *broadcaster) Count(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.viewers[runID]
	if !ok {
		return 0
	}

	return set.Cardinality()
}

// sendKeepAlives offers a keep-alive to every viewer. A full buffer already
// has traffic pending, so the keep-alive is simply skipped.
func (b *broadcaster) sendKeepAlives() {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := Message{Kind: KindKeepAlive}

	for _, set := range b.viewers {
		set.Each(func(v *Viewer) bool {
			select {
			case v.ch <- msg:
			default:
			}

			return false
		})
	}
}

// removeLocked removes v and closes its channel. Caller holds b.mu.
func (b *broadcaster) removeLocked(v *Viewer) bool {
	set, ok := b.viewers[v.RunID]
	if !ok || !set.Contains(v) {
		return false
	}

	set.Remove(v)
	close(v.ch)

	if set.Cardinality() == 0 {
		delete(b.viewers, v.RunID)
	}

	return true
}
