package terminal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// TranscriptExt is the file extension of session transcripts.
const TranscriptExt = ".zst"

// Recorder writes a zstd-compressed copy of everything a session printed.
// A nil *Recorder discards writes.
type Recorder struct {
	mu   sync.Mutex
	f    *os.File
	enc  *zstd.Encoder
	path string
	err  error
}

// NewRecorder creates <dir>/<id>.zst.
func NewRecorder(dir, id string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript dir: %w", err)
	}
	path := filepath.Join(dir, id+TranscriptExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("transcript file: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("transcript encoder: %w", err)
	}
	return &Recorder{f: f, enc: enc, path: path}, nil
}

// Path is the transcript location.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Write appends p. After the first failure further writes are dropped and
// the failure is reported by Close.
func (r *Recorder) Write(p []byte) (int, error) {
	if r == nil {
		return len(p), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil || r.enc == nil {
		return len(p), nil
	}
	if _, err := r.enc.Write(p); err != nil {
		r.err = err
	}
	return len(p), nil
}

// Close flushes the stream and closes the file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return r.err
	}
	encErr := r.enc.Close()
	fileErr := r.f.Close()
	r.enc = nil
	switch {
	case r.err != nil:
		return r.err
	case encErr != nil:
		return encErr
	default:
		return fileErr
	}
}

// Replay decompresses a transcript into w.
func Replay(w io.Writer, r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()
	_, err = io.Copy(w, dec)
	return err
}
