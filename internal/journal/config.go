package journal

import (
	stderrors "errors"
	"time"

	"github.com/yanun0323/errors"
)

const (
	defaultSegmentMaxBytes int64 = 64 << 20
	defaultQueueSize             = 4096
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "fills"
)

// ErrInvalidConfig is returned for an unusable journal configuration.
var ErrInvalidConfig = stderrors.New("invalid journal config")

// Config controls the fill journal writer.
type Config struct {
	Dir             string
	FilePrefix      string
	SegmentMaxBytes int64
	QueueSize       int
	BufferSize      int
	// FlushInterval bounds how long an appended fill may sit in the buffer.
	FlushInterval time.Duration
	// SyncInterval bounds how long a flushed fill may sit in the page cache.
	SyncInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return errors.Wrap(ErrInvalidConfig, "dir is empty")
	case c.SegmentMaxBytes <= 0:
		return errors.Wrap(ErrInvalidConfig, "segment max bytes must be > 0")
	case c.QueueSize <= 0:
		return errors.Wrap(ErrInvalidConfig, "queue size must be > 0")
	case c.BufferSize <= 0:
		return errors.Wrap(ErrInvalidConfig, "buffer size must be > 0")
	case c.FlushInterval < 0 || c.SyncInterval < 0:
		return errors.Wrap(ErrInvalidConfig, "intervals must be >= 0")
	}
	return nil
}
