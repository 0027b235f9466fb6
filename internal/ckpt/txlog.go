package ckpt

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TxAction is the kind of step recorded in a transaction log.
type TxAction string

const (
	TxCapture      TxAction = "capture"
	TxStop         TxAction = "stop"
	TxRestore      TxAction = "restore"
	TxRestoreStart TxAction = "restore_start"
	TxRestoreStop  TxAction = "restore_stop"
)

// TxEntry is one line of the transaction log.
type TxEntry struct {
	Time     time.Time
	Action   TxAction
	Category Category
	Target   string
}

const txTimeLayout = time.RFC3339Nano

// TransactionLog is the ordered audit trail of one checkpoint or restore
// operation. Entry times never go backwards. It is diagnostic only and is
// never read back to drive replay.
type TransactionLog struct {
	mu      sync.Mutex
	clock   Clock
	entries []TxEntry
	sink    *os.File
}

// NewTransactionLog creates an empty in-memory log.
func NewTransactionLog(clock Clock) *TransactionLog {
	return &TransactionLog{clock: clock}
}

// Reset discards all entries and starts writing to sinkPath, truncating it.
// An empty sinkPath keeps the log in memory only.
func (l *TransactionLog) Reset(sinkPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	if l.sink != nil {
		l.sink.Close()
		l.sink = nil
	}
	if sinkPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(sinkPath), 0o755); err != nil {
		return fmt.Errorf("creating transaction log directory: %w", err)
	}
	f, err := os.OpenFile(sinkPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening transaction log: %w", err)
	}
	l.sink = f
	return nil
}

// Append records one action.
func (l *TransactionLog) Append(action TxAction, category Category, target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().UTC()
	if n := len(l.entries); n > 0 && now.Before(l.entries[n-1].Time) {
		now = l.entries[n-1].Time
	}
	e := TxEntry{Time: now, Action: action, Category: category, Target: target}
	l.entries = append(l.entries, e)

	if l.sink == nil {
		return nil
	}
	if _, err := fmt.Fprintf(l.sink, "%s\t%s\t%s\t%s\n", e.Time.Format(txTimeLayout), e.Action, e.Category, e.Target); err != nil {
		return fmt.Errorf("writing transaction log: %w", err)
	}
	return nil
}

// Entries returns a copy of the entries recorded since the last Reset.
func (l *TransactionLog) Entries() []TxEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TxEntry(nil), l.entries...)
}

// Close flushes and closes the sink.
func (l *TransactionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return nil
	}
	err := l.sink.Close()
	l.sink = nil
	return err
}

// ReadTransactionLog parses a log file written by TransactionLog.
func ReadTransactionLog(path string) ([]TxEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transaction log: %w", err)
	}
	defer f.Close()

	var entries []TxEntry
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.SplitN(scanner.Text(), "\t", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("transaction log line %d: expected 4 fields, got %d", line, len(fields))
		}
		ts, err := time.Parse(txTimeLayout, fields[0])
		if err != nil {
			return nil, fmt.Errorf("transaction log line %d: %w", line, err)
		}
		entries = append(entries, TxEntry{
			Time:     ts,
			Action:   TxAction(fields[1]),
			Category: Category(fields[2]),
			Target:   fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transaction log: %w", err)
	}
	return entries, nil
}
