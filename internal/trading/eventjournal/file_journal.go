package eventjournal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Config holds configuration for the event journal
type Config struct {
	FilePath string `mapstructure:"file_path" validate:"required_if=Enabled true"`
	Enabled  bool   `mapstructure:"enabled"`
	// SyncWrites fsyncs after every instruction.
	SyncWrites bool `mapstructure:"sync_writes"`
	// MaxBackups is the number of rotated files kept after checkpoints.
	MaxBackups int `mapstructure:"max_backups" validate:"gte=0"`
}

// DefaultConfig returns a default event journal configuration
func DefaultConfig() Config {
	return Config{
		FilePath:   "/var/lib/fixedterm/journal.log",
		Enabled:    true,
		SyncWrites: true,
		MaxBackups: 3,
	}
}

// Checkpoint rotates the journal once a checkpoint covering every written
// instruction has been stored. The new file starts with a marker carrying
// the current sequence so numbering survives a restart.
func (ej *EventJournal) Checkpoint(market uuid.UUID, at time.Time) error {
	ej.mu.Lock()
	defer ej.mu.Unlock()
	if ej.closed {
		return ErrJournalClosed
	}
	if !ej.cfg.Enabled {
		return nil
	}
	if err := ej.writer.Flush(); err != nil {
		return err
	}
	if err := ej.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	backup := fmt.Sprintf("%s.%020d", ej.cfg.FilePath, ej.seq)
	if err := os.Rename(ej.cfg.FilePath, backup); err != nil {
		return fmt.Errorf("failed to rotate journal file: %w", err)
	}
	if err := ej.open(); err != nil {
		return err
	}
	if err := ej.write(WALEvent{Seq: ej.seq, Timestamp: at, EventType: EventTypeCheckpoint, Market: market}); err != nil {
		return err
	}
	ej.log.Infow("Journal file rotated", "backup", backup, "seq", ej.seq)
	ej.cleanupOldBackups()
	return nil
}

// cleanupOldBackups removes rotated files beyond MaxBackups, oldest first.
func (ej *EventJournal) cleanupOldBackups() {
	matches, err := filepath.Glob(ej.cfg.FilePath + ".*")
	if err != nil {
		ej.log.Warnw("Failed to list journal backups", "error", err)
		return
	}
	if len(matches) <= ej.cfg.MaxBackups {
		return
	}
	// zero-padded sequence suffixes sort lexically
	sort.Strings(matches)
	for _, path := range matches[:len(matches)-ej.cfg.MaxBackups] {
		if err := os.Remove(path); err != nil {
			ej.log.Warnw("Failed to remove journal backup", "path", path, "error", err)
			continue
		}
		ej.log.Debugw("Removed journal backup", "path", path)
	}
}

// Close flushes and closes the journal file.
func (ej *EventJournal) Close() error {
	ej.mu.Lock()
	defer ej.mu.Unlock()
	if ej.closed {
		return nil
	}
	ej.closed = true
	if ej.file == nil {
		return nil
	}
	if err := ej.writer.Flush(); err != nil {
		ej.file.Close()
		return err
	}
	if err := ej.file.Sync(); err != nil {
		ej.file.Close()
		return err
	}
	return ej.file.Close()
}
