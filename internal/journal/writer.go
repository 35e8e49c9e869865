// Package journal is an append-only log of booked fills. Together with a
// ledger snapshot carrying the last journaled sequence it lets the ledger be
// rebuilt exactly after a restart.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"oms/internal/ledger"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrClosed         = stderrors.New("journal closed")
	ErrAlreadyStarted = stderrors.New("journal already started")
)

// Writer appends fills to size-rotated segment files from a buffered queue.
type Writer struct {
	cfg Config
	ch  chan request

	mu  sync.Mutex // orders sequence assignment with enqueueing
	seq uint64

	done    chan struct{}
	stopped chan struct{}
	started atomic.Bool
	closing sync.Once
	err     atomic.Value
	active  atomic.Value // path of the open segment
}

type request struct {
	seq     uint64
	ts      int64
	payload []byte
}

type segment struct {
	path string
	file *os.File
	buf  *bufio.Writer
	size int64
}

// NewWriter creates a writer whose first record gets sequence last+1.
func NewWriter(cfg Config, last uint64) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}
	return &Writer{
		cfg:     cfg,
		ch:      make(chan request, cfg.QueueSize),
		seq:     last,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start runs the writer loop until Close or ctx is done.
func (w *Writer) Start(ctx context.Context) error {
	if w.started.Swap(true) {
		return ErrAlreadyStarted
	}
	go func() {
		defer close(w.stopped)
		w.run(ctx)
	}()
	return nil
}

// Append journals f and returns its sequence. It blocks while the queue is
// full.
func (w *Writer) Append(f ledger.Fill) (uint64, error) {
	if err := w.Err(); err != nil {
		return 0, err
	}
	payload, err := sonic.ConfigStd.Marshal(f)
	if err != nil {
		return 0, errors.Wrap(err, "encode fill")
	}
	if len(payload) > maxPayloadLen {
		return 0, ErrPayloadTooLarge
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return 0, ErrClosed
	default:
	}
	req := request{seq: w.seq + 1, ts: time.Now().UnixNano(), payload: payload}
	select {
	case w.ch <- req:
		w.seq = req.seq
		return req.seq, nil
	case <-w.done:
		return 0, ErrClosed
	}
}

// Seq returns the last sequence handed out.
func (w *Writer) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close stops the writer after writing everything queued.
func (w *Writer) Close() error {
	w.closing.Do(func() { close(w.done) })
	if w.started.Load() {
		<-w.stopped
	}
	return w.Err()
}

// Err returns the first write error. After one the writer accepts nothing.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (w *Writer) setErr(err error) {
	if err != nil && w.err.CompareAndSwap(nil, err) {
		logs.Errorf("fill journal stopped, err: %+v", err)
		w.closing.Do(func() { close(w.done) })
	}
}

func (w *Writer) run(ctx context.Context) {
	var (
		seg    *segment
		flushC <-chan time.Time
		syncC  <-chan time.Time
	)
	if w.cfg.FlushInterval > 0 {
		t := time.NewTicker(w.cfg.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	if w.cfg.SyncInterval > 0 {
		t := time.NewTicker(w.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}
	defer func() {
		if err := closeSegment(seg); err != nil {
			w.setErr(err)
		}
	}()

	write := func(req request) bool {
		if err := w.write(&seg, req); err != nil {
			w.setErr(err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			w.closing.Do(func() { close(w.done) })
			w.drain(write)
			return
		case <-w.done:
			w.drain(write)
			return
		case req := <-w.ch:
			if !write(req) {
				return
			}
		case <-flushC:
			if seg != nil {
				if err := seg.buf.Flush(); err != nil {
					w.setErr(err)
					return
				}
			}
		case <-syncC:
			if err := syncSegment(seg); err != nil {
				w.setErr(err)
				return
			}
		}
	}
}

// drain writes what was queued before the writer stopped. Append refuses new
// records once done is closed, so the queue only shrinks.
func (w *Writer) drain(write func(request) bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case req := <-w.ch:
			if !write(req) {
				return
			}
		default:
			return
		}
	}
}

func (w *Writer) write(seg **segment, req request) error {
	size := int64(recordHeaderSize + len(req.payload) + recordChecksumSize)
	if *seg == nil || (*seg).size+size > w.cfg.SegmentMaxBytes {
		if err := closeSegment(*seg); err != nil {
			return err
		}
		opened, err := w.openSegment(req.seq)
		if err != nil {
			return err
		}
		*seg = opened
	}

	var header [recordHeaderSize]byte
	encodeHeader(header[:], req.seq, req.ts, len(req.payload))
	var sum [recordChecksumSize]byte
	binary.LittleEndian.PutUint32(sum[:], checksum(header[:], req.payload))

	for _, b := range [][]byte{header[:], req.payload, sum[:]} {
		if _, err := (*seg).buf.Write(b); err != nil {
			return errors.Wrapf(err, "write %s", (*seg).path)
		}
	}
	(*seg).size += size
	return nil
}

// openSegment names segments by their first sequence so lexical order is
// replay order.
func (w *Writer) openSegment(first uint64) (*segment, error) {
	path := filepath.Join(w.cfg.Dir, fmt.Sprintf("%s-%020d.wal", w.cfg.FilePrefix, first))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open journal segment")
	}
	w.active.Store(path)
	return &segment{path: path, file: file, buf: bufio.NewWriterSize(file, w.cfg.BufferSize)}, nil
}

func syncSegment(seg *segment) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		return err
	}
	return seg.file.Sync()
}

func closeSegment(seg *segment) error {
	if seg == nil {
		return nil
	}
	err := syncSegment(seg)
	return stderrors.Join(err, seg.file.Close())
}

// Prune removes closed segments whose every record is at or below upTo.
func (w *Writer) Prune(upTo uint64) (int, error) {
	files, err := segments(w.cfg.Dir, w.cfg.FilePrefix)
	if err != nil {
		return 0, err
	}
	active, _ := w.active.Load().(string)
	removed := 0
	for _, path := range files {
		if path == active {
			continue
		}
		last, err := lastSeq(path)
		if err != nil || last > upTo {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, errors.Wrapf(err, "remove %s", path)
		}
		removed++
	}
	return removed, nil
}
