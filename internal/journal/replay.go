package journal

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

func segments(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = defaultFilePrefix
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list journal")
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".wal") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func lastSeq(path string) (uint64, error) {
	var last uint64
	err := readFile(path, func(e Entry) error {
		last = max(last, e.Seq)
		return nil
	})
	return last, err
}

func readFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open journal segment")
	}
	defer f.Close()

	r := NewReader(f)
	for {
		e, err := r.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "read %s", filepath.Base(path))
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Replay calls fn for every journaled fill with a sequence above after, in
// sequence order, and returns the highest sequence found. A record cut short
// at the end of a segment is the trace of a crash mid-write and is skipped;
// anything else unreadable is an error.
func Replay(ctx context.Context, cfg Config, after uint64, fn func(Entry) error) (uint64, error) {
	files, err := segments(cfg.Dir, cfg.FilePrefix)
	if err != nil {
		return after, err
	}
	last := after
	for _, path := range files {
		err := readFile(path, func(e Entry) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			last = max(last, e.Seq)
			if e.Seq <= after {
				return nil
			}
			return fn(e)
		})
		if err == nil {
			continue
		}
		if stderrors.Is(err, io.ErrUnexpectedEOF) {
			logs.Warnf("journal segment ends with a torn record, segment: %s, last seq: %d", filepath.Base(path), last)
			continue
		}
		return last, err
	}
	return last, nil
}
