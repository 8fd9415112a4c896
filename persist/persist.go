// Package persist writes decoded event records to an append-only binary
// run file, one file per run, and scans the run directory to avoid
// filename collisions.
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/aogaki/delila2/cmn/nlog"
	"github.com/aogaki/delila2/frame"
)

// FilePersister appends to a single open run file. Append writes the bytes
// it is given verbatim; AppendBatch, which the Writer component uses,
// decodes a received frame and writes its records re-serialised with no
// frame header.
type FilePersister struct {
	dir    string
	prefix string
	ext    string

	mu       sync.Mutex
	f        *os.File
	path     string
	bytesOut uint64
}

// Options configures a FilePersister's run-file naming.
type Options struct {
	Dir    string // output directory, created if missing
	Prefix string // filename prefix, e.g. "run"
	Ext    string // filename extension, e.g. ".dat"
}

func NewFilePersister(opt Options) *FilePersister {
	return &FilePersister{dir: opt.Dir, prefix: opt.Prefix, ext: opt.Ext}
}

// NextRunPath scans the output directory with godirwalk (fast, no stat per
// entry) and returns "<prefix><runNumber zero-padded to 6 digits><ext>",
// erroring if that exact path already exists — run numbers are operator-
// assigned and must not silently collide with a prior run's file.
func (p *FilePersister) NextRunPath(runNumber uint64) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "persist: mkdir run dir")
	}
	existing := make(map[string]bool)
	err := godirwalk.Walk(p.dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				existing[filepath.Base(path)] = true
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "persist: scan run dir")
	}
	name := fmt.Sprintf("%s%06d%s", p.prefix, runNumber, p.ext)
	if existing[name] {
		return "", errors.Errorf("persist: run file %s already exists", name)
	}
	return filepath.Join(p.dir, name), nil
}

// Open creates (not truncates — the path is expected to be collision-free
// per NextRunPath) the run file for appending.
func (p *FilePersister) Open(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(err, "persist: open %s", path)
	}
	p.f = f
	p.path = path
	p.bytesOut = 0
	return nil
}

// Append writes buf verbatim to the open run file.
func (p *FilePersister) Append(buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return errors.New("persist: no run file open")
	}
	n, err := p.f.Write(buf)
	p.bytesOut += uint64(n)
	if err != nil {
		return errors.Wrap(err, "persist: write")
	}
	return nil
}

// AppendBatch decodes buf and appends the decoded records to the run file
// with no frame header (spec.md §6's persisted layout is a raw
// concatenation of decoded records, distinct from the wire framing). A
// malformed frame is rejected and never reaches disk; an EOS sentinel
// carries no records and is a no-op write.
func (p *FilePersister) AppendBatch(buf []byte) error {
	batch, err := frame.Decode(buf)
	if err != nil {
		nlog.Warningf("persist: %s: rejecting malformed frame: %v", p.path, err)
		return err
	}
	if batch.EOS {
		return nil
	}
	switch batch.Version {
	case frame.FormatFull:
		return p.Append(frame.SerializeFullRecords(batch.Full))
	default:
		return p.Append(frame.SerializeMinimalRecords(batch.Minimal))
	}
}

func (p *FilePersister) BytesWritten() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesOut
}

// Close flushes and closes the run file. Safe to call once; a second call
// is a no-op.
func (p *FilePersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}
