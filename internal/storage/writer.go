package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditEntry is one execution together with the security findings that
// accompanied it. Entries are persisted as a unit so a violation row
// never exists without its execution row.
type AuditEntry struct {
	Execution  *Execution
	Violations []ViolationRecord
}

// AuditWriter buffers audit entries and persists them asynchronously.
// Logging never blocks the execution path; when the buffer is full the
// entry is dropped and counted, not queued.
type AuditWriter struct {
	db      *DB
	entries chan AuditEntry
	closed  chan struct{}
	drained chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:      db,
		entries: make(chan AuditEntry, bufferSize),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Start launches the write loop.
func (w *AuditWriter) Start() {
	go w.loop()
}

// Log queues an entry for persistence. Drops when the buffer is full.
func (w *AuditWriter) Log(entry AuditEntry) {
	select {
	case w.entries <- entry:
	default:
		log.Warn().Str("exec_id", entry.Execution.ID).Msg("audit buffer full, dropping entry")
	}
}

// Flush stops the writer and waits for the buffer to drain, up to the
// given timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.closed)
	select {
	case <-w.drained:
		log.Info().Msg("audit writer drained")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) loop() {
	defer close(w.drained)
	for {
		select {
		case entry := <-w.entries:
			w.persist(entry)
		case <-w.closed:
			for {
				select {
				case entry := <-w.entries:
					w.persist(entry)
				default:
					return
				}
			}
		}
	}
}

// persist writes the execution row, then its violation rows, retrying
// transient failures with exponential backoff.
func (w *AuditWriter) persist(entry AuditEntry) {
	const maxRetries = 3
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogExecution(ctx, entry.Execution)
		if err == nil {
			for i := range entry.Violations {
				entry.Violations[i].ExecutionID = entry.Execution.ID
				if verr := w.db.LogViolation(ctx, &entry.Violations[i]); verr != nil {
					log.Warn().Err(verr).
						Str("exec_id", entry.Execution.ID).
						Str("rule_id", entry.Violations[i].RuleID).
						Msg("violation record write failed")
				}
			}
			cancel()
			return
		}
		cancel()

		if attempt >= maxRetries {
			log.Error().Err(err).
				Str("exec_id", entry.Execution.ID).
				Msg("audit write failed permanently")
			return
		}
		log.Warn().Err(err).
			Str("exec_id", entry.Execution.ID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("audit write failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
	}
}
