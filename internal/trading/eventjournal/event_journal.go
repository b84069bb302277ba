// Package eventjournal is an append-only JSON-lines log of committed market
// instructions. On startup the journal is replayed on top of the latest
// checkpoint to rebuild the in-memory market.
package eventjournal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event type constants
const (
	EventTypeInstruction = "INSTRUCTION"
	EventTypeCheckpoint  = "CHECKPOINT"
)

// maxLineSize bounds a single journal line.
const maxLineSize = 16 << 20

var ErrJournalClosed = errors.New("journal closed")

// WALEvent is one line of the journal. Seq increases by one per instruction;
// a checkpoint marker repeats the sequence of the last instruction it covers.
type WALEvent struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Market    uuid.UUID       `json:"market"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e WALEvent) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// EventJournal handles writing and replaying events for recovery.
type EventJournal struct {
	cfg    Config
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
	seq    uint64
	closed bool
	log    *zap.SugaredLogger
}

// NewEventJournal opens the journal at cfg.FilePath, creating it if needed,
// and resumes numbering after the last sequence found in the file. A
// disabled journal accepts writes and discards them.
func NewEventJournal(log *zap.SugaredLogger, cfg Config) (*EventJournal, error) {
	ej := &EventJournal{cfg: cfg, log: log}
	if !cfg.Enabled {
		log.Info("Event journal disabled")
		return ej, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	last, err := ej.scan(0, nil)
	if err != nil {
		return nil, err
	}
	ej.seq = last
	if err := ej.open(); err != nil {
		return nil, err
	}
	log.Infow("Event journal opened", "path", cfg.FilePath, "seq", ej.seq)
	return ej, nil
}

func (ej *EventJournal) open() error {
	f, err := os.OpenFile(ej.cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	ej.file = f
	ej.writer = bufio.NewWriter(f)
	return nil
}

// Seq returns the sequence of the last instruction written.
func (ej *EventJournal) Seq() uint64 {
	ej.mu.Lock()
	defer ej.mu.Unlock()
	return ej.seq
}

// Append records a committed instruction and returns its sequence.
func (ej *EventJournal) Append(ts time.Time, market uuid.UUID, data any) (uint64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal instruction: %w", err)
	}
	ej.mu.Lock()
	defer ej.mu.Unlock()
	ev := WALEvent{
		Seq:       ej.seq + 1,
		Timestamp: ts,
		EventType: EventTypeInstruction,
		Market:    market,
		Data:      raw,
	}
	if err := ej.write(ev); err != nil {
		return 0, err
	}
	ej.seq = ev.Seq
	return ev.Seq, nil
}

// WriteEvent writes a WALEvent to the journal as is.
func (ej *EventJournal) WriteEvent(event WALEvent) error {
	ej.mu.Lock()
	defer ej.mu.Unlock()
	if err := ej.write(event); err != nil {
		return err
	}
	if event.Seq > ej.seq {
		ej.seq = event.Seq
	}
	return nil
}

func (ej *EventJournal) write(event WALEvent) error {
	if ej.closed {
		return ErrJournalClosed
	}
	if !ej.cfg.Enabled {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := ej.writer.Write(data); err != nil {
		return err
	}
	if err := ej.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := ej.writer.Flush(); err != nil {
		return err
	}
	if ej.cfg.SyncWrites {
		if err := ej.file.Sync(); err != nil {
			ej.log.Errorw("Failed to sync journal to disk", "error", err)
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	return nil
}

// ReplayEvents calls handler for every event with a sequence above after, in
// file order. The handler returns false to stop; a handler error stops the
// replay only when it also returns false. Lines that cannot be decoded are
// logged and skipped.
func (ej *EventJournal) ReplayEvents(after uint64, handler func(WALEvent) (bool, error)) error {
	ej.mu.Lock()
	defer ej.mu.Unlock()
	if !ej.cfg.Enabled {
		return nil
	}
	if ej.writer != nil {
		if err := ej.writer.Flush(); err != nil {
			ej.log.Errorw("Failed to flush writer before replay", "error", err)
		}
	}
	ej.log.Infow("Starting event replay from journal", "path", ej.cfg.FilePath, "after", after)
	_, err := ej.scan(after, handler)
	return err
}

// scan reads the journal file and returns the highest sequence seen. When
// handler is set, events above after are passed to it.
func (ej *EventJournal) scan(after uint64, handler func(WALEvent) (bool, error)) (uint64, error) {
	file, err := os.Open(ej.cfg.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open journal file for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var last uint64
	eventCount, errorCount := 0, 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event WALEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			errorCount++
			ej.log.Errorw("Failed to unmarshal event during replay",
				"error", err,
				"line", line[:min(100, len(line))],
				"eventCount", eventCount)
			continue
		}
		if event.Seq > last {
			last = event.Seq
		}
		if handler == nil || event.Seq <= after {
			continue
		}
		eventCount++
		shouldContinue, err := handler(event)
		if err != nil {
			ej.log.Errorw("Handler error during event replay",
				"error", err,
				"eventType", event.EventType,
				"seq", event.Seq)
			if !shouldContinue {
				return last, fmt.Errorf("replay stopped at seq %d: %w", event.Seq, err)
			}
		}
		if !shouldContinue {
			ej.log.Infow("Replay stopped by handler", "eventCount", eventCount)
			break
		}
		if eventCount%1000 == 0 {
			ej.log.Infow("Replay progress", "eventsProcessed", eventCount)
		}
	}
	if err := scanner.Err(); err != nil {
		return last, fmt.Errorf("error reading journal during replay: %w", err)
	}
	if handler != nil {
		ej.log.Infow("Event replay completed", "totalEvents", eventCount, "errorCount", errorCount)
	}
	return last, nil
}
