package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
)

// ReadAll yields every entry in append order. Each call re-reads the log
// files from disk, so the sequence is restartable and reflects entries
// written by other processes.
//
// Lines that cannot be parsed are yielded as a *LineError and iteration
// continues. Failing to list or open a file yields the error and stops.
// A final line without a newline is a write still in flight and is not
// yielded.
func (a *AuditLog) ReadAll() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		files, err := a.logFiles()
		if err != nil {
			yield(Entry{}, err)
			return
		}
		for _, file := range files {
			if !readFile(file, yield) {
				return
			}
		}
	}
}

// logFiles lists the daily JSONL files in name (and therefore date) order.
func (a *AuditLog) logFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(a.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing audit files: %w", err)
	}
	return files, nil
}

// readFile feeds the entries of one file to yield. Returns false once yield
// asks to stop or the file cannot be read.
func readFile(path string, yield func(Entry, error) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		yield(Entry{}, fmt.Errorf("opening audit file: %w", err))
		return false
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	name := filepath.Base(path)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(bytes.TrimSpace(line)) > 0 {
					slog.Debug("audit file ends with an incomplete line", "file", name, "line", lineNo)
				}
				return true
			}
			yield(Entry{}, &LineError{File: name, Line: lineNo, Err: err})
			return false
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			if !yield(Entry{}, &LineError{File: name, Line: lineNo, Err: err}) {
				return false
			}
			continue
		}
		if !yield(e, nil) {
			return false
		}
	}
}

// endsWithNewline reports whether the file is empty or its last byte is '\n'.
func endsWithNewline(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}
