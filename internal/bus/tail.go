package bus

import (
	"context"
	"io"
	"os"
	"time"
)

// TailConfig controls live tailing of a symbol's segment directory.
type TailConfig struct {
	Dir             string
	FilePrefix      string
	PollInterval    time.Duration
	DisableChecksum bool
	MaxPayloadSize  int
}

func (c TailConfig) withDefaults() TailConfig {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

// tailer streams records appended to a symbol's segment directory as they
// arrive, the read side of the append-only log the Producer writes to. It
// polls for new/rotated segment files the same way Playback does, but never
// terminates at EOF — it waits for more data instead (spec §4.G step 1:
// "read next batch, blocking, bounded wait").
type tailer struct {
	cfg TailConfig
}

func newTailer(cfg TailConfig) *tailer {
	return &tailer{cfg: cfg.withDefaults()}
}

// Tail is a live-tailing reader for a single caller with no consumer-group
// coordination needs — e.g. the generator following its own fills log,
// which has exactly one reader in the same process and nothing to ack.
type Tail struct {
	t *tailer
}

// NewTail creates a Tail over a symbol's segment directory.
func NewTail(cfg TailConfig) *Tail {
	return &Tail{t: newTailer(cfg)}
}

// Run streams every record with Seq > fromSeq to emit, blocking and
// polling for new data until ctx is cancelled or emit returns an error.
func (t *Tail) Run(ctx context.Context, fromSeq uint64, emit func(RecordHeader, []byte) error) error {
	return t.t.run(ctx, fromSeq, emit)
}

// run emits every record with Seq > fromSeq, blocking and polling for new
// data until ctx is cancelled or emit returns an error.
func (t *tailer) run(ctx context.Context, fromSeq uint64, emit func(RecordHeader, []byte) error) error {
	files, err := listSegmentFiles(t.cfg.Dir, t.cfg.FilePrefix)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var (
		fileIdx int
		file    *os.File
		reader  *LogReader
	)
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	openNext := func() (bool, error) {
		if fileIdx >= len(files) {
			return false, nil
		}
		f, err := os.Open(files[fileIdx])
		if err != nil {
			return false, err
		}
		file = f
		reader = NewLogReader(f, LogReaderOptions{
			DisableChecksum: t.cfg.DisableChecksum,
			MaxPayloadSize:  t.cfg.MaxPayloadSize,
		})
		fileIdx++
		return true, nil
	}

	refresh := func() error {
		refreshed, err := listSegmentFiles(t.cfg.Dir, t.cfg.FilePrefix)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if len(refreshed) > len(files) {
			files = refreshed
		}
		return nil
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if reader == nil {
			if err := refresh(); err != nil {
				return err
			}
			ok, err := openNext()
			if err != nil {
				return err
			}
			if !ok {
				if err := wait(); err != nil {
					return err
				}
				continue
			}
		}

		header, payload, err := reader.Next()
		if err != nil {
			if err != io.EOF {
				return err
			}
			if err := refresh(); err != nil {
				return err
			}
			if fileIdx < len(files) {
				file.Close()
				reader = nil
				continue
			}
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		if header.Seq <= fromSeq {
			continue
		}
		fromSeq = header.Seq
		if err := emit(header, payload); err != nil {
			return err
		}
	}
}
