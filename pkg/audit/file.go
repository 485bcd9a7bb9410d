package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileLog appends events as JSON lines to a single file, fsyncing each
// append before reporting success. On open it replays the tail of the file
// to recover the chain head, so restarts continue the same chain.
type FileLog struct {
	mu       sync.Mutex
	f        *os.File
	lastHash string
}

var _ Log = (*FileLog)(nil)

func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l := &FileLog{f: f}
	if err := l.recoverHead(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLog) recoverHead() error {
	if _, err := l.f.Seek(0, 0); err != nil {
		return err
	}
	sc := bufio.NewScanner(l.f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var last string
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("corrupt audit line: %w", err)
		}
		last = ev.Hash
	}
	if err := sc.Err(); err != nil {
		return err
	}
	l.lastHash = last
	_, err := l.f.Seek(0, 2)
	return err
}

func (l *FileLog) Append(_ context.Context, ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Payload = RedactPayload(ev.Payload)
	ev.PrevHash = l.lastHash
	ev.Hash = chainHash(l.lastHash, ev)

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal audit event: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("write audit event: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return Event{}, fmt.Errorf("sync audit log: %w", err)
	}
	l.lastHash = ev.Hash
	return ev, nil
}

func (l *FileLog) Query(_ context.Context, f Filter) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rf, err := os.Open(l.f.Name())
	if err != nil {
		return nil, fmt.Errorf("open audit log for query: %w", err)
	}
	defer rf.Close()

	sc := bufio.NewScanner(rf)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var out []Event
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("corrupt audit line: %w", err)
		}
		if !matches(ev, f) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, sc.Err()
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
