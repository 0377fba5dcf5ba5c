// Package journal keeps an append-only audit trail of task lifecycle events
// and room messages in Postgres or SQLite. The relay never reads it back;
// coordination state lives in memory.
package journal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/metrics"
	"github.com/antonstjernquist/merge/internal/models"
)

// Entry kinds.
const (
	KindTask    = "task"
	KindMessage = "message"
)

// Entry is one journal record.
type Entry struct {
	Kind      string
	Event     string
	SubjectID string // task or message id
	RoomID    string
	AgentID   string
	Status    string
	Payload   []byte // JSON snapshot of the subject
	At        time.Time
}

// Sink persists journal entries. PostgresSink and SQLiteSink implement it.
type Sink interface {
	Name() string
	Write(ctx context.Context, entries []Entry) error
	Ping(ctx context.Context) error
	Close()
}

// Options tunes the write buffer.
type Options struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
}

// Journal buffers entries in memory and writes them to a Sink in batches
// from a single goroutine. Recording never blocks: when the buffer is full
// the entry is dropped and counted.
type Journal struct {
	sink     Sink
	log      zerolog.Logger
	entries  chan Entry
	done     chan struct{}
	batch    int
	interval time.Duration

	mu     sync.RWMutex
	closed bool
}

// New starts a journal writing to sink.
func New(sink Sink, logger zerolog.Logger, opts Options) *Journal {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	j := &Journal{
		sink:     sink,
		log:      logger.With().Str("component", "journal").Str("backend", sink.Name()).Logger(),
		entries:  make(chan Entry, opts.Buffer),
		done:     make(chan struct{}),
		batch:    opts.BatchSize,
		interval: opts.FlushInterval,
	}
	go j.run()
	return j
}

// Name returns the backend name.
func (j *Journal) Name() string {
	return j.sink.Name()
}

// Ping checks the backend connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.sink.Ping(ctx)
}

// RecordTask journals a task lifecycle event.
func (j *Journal) RecordTask(event string, task models.Task) {
	payload, err := json.Marshal(task)
	if err != nil {
		j.log.Error().Err(err).Str("task_id", task.ID).Msg("encode task")
		return
	}
	j.enqueue(Entry{
		Kind:      KindTask,
		Event:     event,
		SubjectID: task.ID,
		RoomID:    task.RoomID,
		AgentID:   task.FromAgentID,
		Status:    string(task.Status),
		Payload:   payload,
		At:        task.UpdatedAt,
	})
}

// RecordMessage journals a room message.
func (j *Journal) RecordMessage(msg models.RoomMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		j.log.Error().Err(err).Str("message_id", msg.ID).Msg("encode message")
		return
	}
	j.enqueue(Entry{
		Kind:      KindMessage,
		Event:     "posted",
		SubjectID: msg.ID,
		RoomID:    msg.RoomID,
		AgentID:   msg.FromAgentID,
		Payload:   payload,
		At:        msg.Timestamp,
	})
}

func (j *Journal) enqueue(e Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return
	}
	select {
	case j.entries <- e:
	default:
		metrics.JournalDropped.Inc()
		j.log.Warn().Str("kind", e.Kind).Str("subject_id", e.SubjectID).Msg("journal buffer full, entry dropped")
	}
}

// Close flushes buffered entries, stops the writer and closes the sink.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()

	<-j.done
	j.sink.Close()
}

func (j *Journal) run() {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	pending := make([]Entry, 0, j.batch)
	for {
		select {
		case e, ok := <-j.entries:
			if !ok {
				j.flush(pending)
				return
			}
			pending = append(pending, e)
			if len(pending) >= j.batch {
				j.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				j.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

func (j *Journal) flush(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := j.sink.Write(ctx, entries)
	metrics.JournalWriteLatency.WithLabelValues(j.sink.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		j.log.Error().Err(err).Int("entries", len(entries)).Msg("journal write failed")
	}
}
