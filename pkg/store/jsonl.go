package store

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-go-golems/toolsmith/pkg/report"
	"github.com/pkg/errors"
)

// JSONLWriter appends records as JSON lines. It is safe for concurrent use.
type JSONLWriter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
	// Accepted restricts the output to accepted records, as used for
	// training export.
	Accepted bool
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w, enc: json.NewEncoder(w)}
}

// OpenJSONL opens path for appending.
func OpenJSONL(path string) (*JSONLWriter, io.Closer, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not open %s", path)
	}
	return NewJSONLWriter(f), f, nil
}

func (j *JSONLWriter) Save(_ context.Context, rec Record) error {
	if j.Accepted && rec.Disposition != report.DispositionAccepted {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return errors.Wrapf(j.enc.Encode(rec), "could not write record %s", rec.DialogueID)
}

// SaveFailure is a no-op; failures are not exported.
func (j *JSONLWriter) SaveFailure(context.Context, Failure) error {
	return nil
}

var _ Store = (*JSONLWriter)(nil)

// ReadJSONL decodes every record of a JSONL stream. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	var ret []Record
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		ret = append(ret, rec)
	}
	return ret, scanner.Err()
}

// Multi writes to every store in turn and stops at the first error.
type Multi []Store

func (m Multi) Save(ctx context.Context, rec Record) error {
	for _, s := range m {
		if err := s.Save(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) SaveFailure(ctx context.Context, f Failure) error {
	for _, s := range m {
		if err := s.SaveFailure(ctx, f); err != nil {
			return err
		}
	}
	return nil
}
