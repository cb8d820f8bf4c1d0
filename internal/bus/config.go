package bus

import (
	"fmt"
	"time"
)

const (
	defaultSegmentMaxBytes int64 = 1 << 30
	defaultQueueSize             = 4096
	defaultBufferSize            = 256 * 1024
	defaultFilePrefix            = "sig"
)

var (
	defaultSegmentMaxDuration = 5 * time.Minute
	// defaultFlushInterval/defaultSyncInterval exist because a bus log has
	// live cross-process readers (a consumer group, a fills tailer) opening
	// their own file handle on the same segment file the writer is
	// appending to through a buffered writer. Without a periodic flush a
	// reader sees nothing new until the segment rotates or the writer
	// closes; without a periodic sync a crash can lose whatever sits in the
	// OS page cache. Neither pressure applies to a single-process,
	// read-after-close recorder, so a non-live log can leave these at zero.
	defaultFlushInterval = 50 * time.Millisecond
	defaultSyncInterval  = 200 * time.Millisecond
)

// LogConfig controls the durable per-symbol log writer behind the bus.
type LogConfig struct {
	Dir                string
	SegmentMaxBytes    int64
	SegmentMaxDuration time.Duration
	QueueSize          int
	BufferSize         int
	FilePrefix         string
	FlushInterval      time.Duration
	SyncInterval       time.Duration
	CopyPayload        bool
}

// DefaultLogConfig returns a baseline configuration for one symbol's log.
func DefaultLogConfig(dir string) LogConfig {
	return LogConfig{
		Dir:                dir,
		SegmentMaxBytes:    defaultSegmentMaxBytes,
		SegmentMaxDuration: defaultSegmentMaxDuration,
		QueueSize:          defaultQueueSize,
		BufferSize:         defaultBufferSize,
		FilePrefix:         defaultFilePrefix,
		FlushInterval:      defaultFlushInterval,
		SyncInterval:       defaultSyncInterval,
	}
}

func (c LogConfig) withDefaults() LogConfig {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaultSyncInterval
	}
	return c
}

// Validate checks if the configuration is usable.
func (c LogConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid bus log config: Dir is empty")
	}
	if c.SegmentMaxBytes <= 0 {
		return fmt.Errorf("invalid bus log config: SegmentMaxBytes must be > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid bus log config: QueueSize must be > 0")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid bus log config: BufferSize must be > 0")
	}
	if c.FilePrefix == "" {
		return fmt.Errorf("invalid bus log config: FilePrefix is empty")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("invalid bus log config: FlushInterval must be >= 0")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("invalid bus log config: SyncInterval must be >= 0")
	}
	return nil
}
