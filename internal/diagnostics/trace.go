package diagnostics

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/fitting"
	"github.com/copyleftdev/bondfit/internal/forcefield"
)

// TraceEntry is one line of a loss trace.
type TraceEntry struct {
	Iteration  int       `json:"iteration"`
	Loss       float64   `json:"loss"`
	RunningMin float64   `json:"running_min"`
	Timestamp  time.Time `json:"timestamp"`
	// Params are omitted unless the writer was asked to include them.
	Params []float64 `json:"params,omitempty"`
}

// TraceWriter writes trace entries as JSON lines. It is safe for
// concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter creates (or truncates) the trace file at path.
func NewTraceWriter(path string) (*TraceWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "cannot create trace directory").WithComponent("diagnostics")
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open trace file").WithComponent("diagnostics")
	}
	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write buffers one entry.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	return tw.writer.WriteByte('\n')
}

// Flush writes buffered entries to disk.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	return tw.file.Sync()
}

// Close flushes and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	return tw.file.Close()
}

// Path returns the trace file path.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// ReadTrace reads every entry of a trace file.
func ReadTrace(path string) ([]TraceEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open trace file").WithComponent("diagnostics").WithOperation("ReadTrace")
	}
	defer file.Close()

	return decodeTrace(file)
}

func decodeTrace(r io.Reader) ([]TraceEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var entries []TraceEntry
	for scanner.Scan() {
		var e TraceEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, errors.Input("malformed trace line %d: %v", len(entries)+1, err).WithComponent("diagnostics")
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot read trace").WithComponent("diagnostics")
	}
	return entries, nil
}

// TraceReporter writes the iterate trace of every fit to
// <Dir>/<id>_<interaction>_trace.jsonl.
type TraceReporter struct {
	Dir string
	// IncludeParams stores the parameter vector of every iterate.
	IncludeParams bool

	uploader Uploader
}

var _ fitting.Reporter = (*TraceReporter)(nil)

// NewTraceReporter creates a reporter writing into dir. u may be nil.
func NewTraceReporter(dir string, includeParams bool, u Uploader) *TraceReporter {
	return &TraceReporter{Dir: dir, IncludeParams: includeParams, uploader: u}
}

// TracePath returns where the trace of a fit is written.
func (r *TraceReporter) TracePath(id string, interaction forcefield.Interaction) string {
	return filepath.Join(r.Dir, fmt.Sprintf("%s_%s_trace.jsonl", id, interaction))
}

// Report implements fitting.Reporter.
// A fit with a run id is traced into a subdirectory named after it.
func (r *TraceReporter) Report(ctx context.Context, res *fitting.Result) error {
	dir, err := runDir(r.Dir, res.RunID)
	if err != nil {
		return err
	}
	run := *r
	run.Dir = dir
	path := run.TracePath(res.MoleculeID, res.Interaction)
	tw, err := NewTraceWriter(path)
	if err != nil {
		return errors.Wrap(err, "cannot write trace").WithMolecule(res.MoleculeID)
	}

	now := time.Now().UTC()
	if opt := res.Optimization; opt != nil {
		for i, ev := range opt.History {
			// JSON has no encoding for NaN or Inf.
			if ev.Solution == nil || !finite(ev.Solution.Value) {
				continue
			}
			e := TraceEntry{
				Iteration: ev.Iteration,
				Loss:      ev.Solution.Value,
				Timestamp: now,
			}
			if i < len(opt.RunningMin) {
				e.RunningMin = opt.RunningMin[i]
			}
			if r.IncludeParams {
				e.Params = ev.Solution.Parameters
			}
			if err := tw.Write(e); err != nil {
				tw.Close()
				return errors.Wrap(err, "cannot write trace").WithMolecule(res.MoleculeID)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "cannot write trace").WithMolecule(res.MoleculeID)
	}

	if r.uploader != nil {
		if err := r.uploader.Upload(ctx, path, artifactName(res.RunID, path)); err != nil {
			return errors.Wrap(err, "cannot upload trace").WithMolecule(res.MoleculeID)
		}
	}
	return nil
}
