package transport

import (
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/yaoapp/kun/log"
)

// SnapshotEnvelope the stable record written before and after each dispatch
type SnapshotEnvelope struct {
	Phase           string            `json:"phase"` // request | response | error
	RequestID       string            `json:"requestId"`
	Data            interface{}       `json:"data,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	URL             string            `json:"url,omitempty"`
	EntryEndpoint   string            `json:"entryEndpoint,omitempty"`
	ClientRequestID string            `json:"clientRequestId,omitempty"`
	ProviderKey     string            `json:"providerKey,omitempty"`
	ProviderID      string            `json:"providerId,omitempty"`
}

// SnapshotWriter appends dispatch envelopes to a JSONL file. Best effort:
// write failures are logged and swallowed, a nil writer is a no-op.
type SnapshotWriter struct {
	path string
	mu   sync.Mutex
}

// NewSnapshotWriter creates a writer appending to path, nil when path is
// empty
func NewSnapshotWriter(path string) *SnapshotWriter {
	if path == "" {
		return nil
	}
	return &SnapshotWriter{path: path}
}

// Write appends one envelope asynchronously, never blocking the dispatch path
func (w *SnapshotWriter) Write(envelope SnapshotEnvelope) {
	if w == nil {
		return
	}
	go func() {
		line, err := jsoniter.Marshal(envelope)
		if err != nil {
			return
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Trace("[Transport] snapshot open failed: %v", err)
			return
		}
		defer file.Close()
		if _, err := file.Write(append(line, '\n')); err != nil {
			log.Trace("[Transport] snapshot write failed: %v", err)
		}
	}()
}
