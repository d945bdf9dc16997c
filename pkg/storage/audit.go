package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditLog receives one line per admission outcome and escrow
// transition, accepted or rejected. Financial correctness depends on
// there being no invisible drops, so every rejection lands here too.
type AuditLog interface {
	Append(line string)
}

type NopAuditLog struct{}

func NewNopAuditLog() *NopAuditLog { return &NopAuditLog{} }

func (w *NopAuditLog) Append(_ string) {}

// FileAuditLog is a mutex-guarded append-only line log.
type FileAuditLog struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileAuditLog(path string) (*FileAuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileAuditLog{f: f}, nil
}

func (w *FileAuditLog) Append(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.f, "%s %s\n", time.Now().UTC().Format(time.RFC3339Nano), line)
}

var _ AuditLog = (*NopAuditLog)(nil)
var _ AuditLog = (*FileAuditLog)(nil)
