package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/uhyunpark/stockledger/pkg/app/core/history"
)

// Journal records every fill as an append-only line, independent of the
// repository. It is an audit trail, never read back by the engine.
type Journal interface {
	Append(o history.Order)
	Close() error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal             { return &NopJournal{} }
func (j *NopJournal) Append(_ history.Order) {}
func (j *NopJournal) Close() error           { return nil }

// FileJournal writes one JSON object per fill
type FileJournal struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return &FileJournal{f: f, enc: json.NewEncoder(f)}, nil
}

func (j *FileJournal) Append(o history.Order) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(o)
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
