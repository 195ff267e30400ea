package db

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignalWriter batches signal audit inserts so the strategy hot path
// never waits on an audit write. Runtime state saves stay synchronous;
// this buffer is only for the append-only signals table.
type SignalWriter struct {
	db          *Database
	log         *zap.Logger
	mu          sync.Mutex
	buffer      []Signal
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewSignalWriter creates a batching writer.
// maxSize: max rows before auto-flush. interval: time-based flush cadence.
func NewSignalWriter(database *Database, log *zap.Logger, maxSize int, interval time.Duration) *SignalWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	w := &SignalWriter{
		db:          database,
		log:         log,
		buffer:      make([]Signal, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.backgroundFlush()

	return w
}

// Write queues one signal row for the next flush.
func (w *SignalWriter) Write(s Signal) {
	w.mu.Lock()
	w.buffer = append(w.buffer, s)
	shouldFlush := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if shouldFlush {
		if err := w.Flush(); err != nil {
			w.log.Warn("signal flush failed", zap.Error(err))
		}
	}
}

// Flush writes all buffered rows in one transaction.
func (w *SignalWriter) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	rows := w.buffer
	w.buffer = make([]Signal, 0, w.maxSize)
	w.mu.Unlock()

	tx, err := w.db.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO signals (id, strategy_id, phase, kind, action, confidence, reason, candle_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, s := range rows {
		if _, err := stmt.Exec(s.ID, s.StrategyID, s.Phase, s.Kind, s.Action,
			s.Confidence, s.Reason, s.CandleTS, s.CreatedAt); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	w.log.Debug("flushed signal batch", zap.Int("rows", len(rows)))
	return nil
}

func (w *SignalWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.log.Warn("background signal flush failed", zap.Error(err))
			}
		case <-w.done:
			// Final flush before shutdown.
			if err := w.Flush(); err != nil {
				w.log.Warn("final signal flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of rows waiting to be flushed.
func (w *SignalWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Close flushes remaining rows and stops the background loop.
func (w *SignalWriter) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
