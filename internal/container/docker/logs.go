// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package docker

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	apicontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/juju/clock"

	"github.com/iotistic/agent/internal/container"
)

// maxLogLineBytes bounds a single log line; anything longer aborts the
// stream rather than exhausting memory.
const maxLogLineBytes = 1024 * 1024

// AttachLogs opens a log stream for a container. Containers started
// without a TTY produce a multiplexed stream which is split back into
// stdout and stderr records; TTY containers produce a single stream
// reported as stdout.
func (e *Engine) AttachLogs(ctx context.Context, id string, opts container.LogsOptions) (container.LogStream, error) {
	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, normalize(err, "inspecting container")
	}
	tty := inspect.Config != nil && inspect.Config.Tty

	apiOpts := apicontainer.LogsOptions{
		ShowStdout: opts.Stdout,
		ShowStderr: opts.Stderr,
		Follow:     opts.Follow,
		Timestamps: true,
	}
	if !opts.Stdout && !opts.Stderr {
		apiOpts.ShowStdout = true
		apiOpts.ShowStderr = true
	}
	if opts.Tail > 0 {
		apiOpts.Tail = strconv.Itoa(opts.Tail)
	}
	if !opts.Since.IsZero() {
		apiOpts.Since = opts.Since.UTC().Format(time.RFC3339Nano)
	}

	rc, err := e.client.ContainerLogs(ctx, id, apiOpts)
	if err != nil {
		return nil, normalize(err, "attaching container logs")
	}
	return newLogStream(rc, tty, e.clock), nil
}

type logStream struct {
	rc      io.ReadCloser
	clock   clock.Clock
	records chan container.LogRecord
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newLogStream(rc io.ReadCloser, tty bool, clk clock.Clock) *logStream {
	s := &logStream{
		rc:      rc,
		clock:   clk,
		records: make(chan container.LogRecord),
		done:    make(chan struct{}),
	}
	go s.run(tty)
	return s
}

// Records returns the channel of decoded log lines. It is closed when
// the stream ends for any reason; consult Err afterwards.
func (s *logStream) Records() <-chan container.LogRecord {
	return s.records
}

// Err reports why the stream ended. A stream that reached EOF or was
// closed by the consumer returns nil.
func (s *logStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and releases the underlying connection.
func (s *logStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.rc.Close()
}

func (s *logStream) run(tty bool) {
	defer close(s.records)
	defer func() { _ = s.rc.Close() }()

	var err error
	if tty {
		err = s.scan(s.rc, false)
	} else {
		err = s.demux()
	}
	if err != nil && !streamClosed(err) {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
}

// demux splits the daemon's multiplexed stream back into stdout and
// stderr and scans each side into records.
func (s *logStream) demux() error {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.scan(outR, false)
	}()
	go func() {
		defer wg.Done()
		_ = s.scan(errR, true)
	}()

	_, err := stdcopy.StdCopy(outW, errW, s.rc)
	_ = outW.CloseWithError(err)
	_ = errW.CloseWithError(err)
	wg.Wait()
	return err
}

func (s *logStream) scan(r io.Reader, isStderr bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineBytes)
	for scanner.Scan() {
		ts, line := splitTimestamp(scanner.Text(), s.clock)
		record := container.LogRecord{
			Timestamp: ts,
			IsStderr:  isStderr,
			Line:      line,
		}
		select {
		case s.records <- record:
		case <-s.done:
			return nil
		}
	}
	return scanner.Err()
}

// splitTimestamp strips the daemon-supplied RFC3339 timestamp prefix
// from a log line. A line without one keeps its full text and is
// stamped with the local clock.
func splitTimestamp(text string, clk clock.Clock) (time.Time, string) {
	idx := strings.IndexByte(text, ' ')
	if idx > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, text[:idx]); err == nil {
			return ts, text[idx+1:]
		}
	}
	return clk.Now().UTC(), text
}

func streamClosed(err error) bool {
	if err == nil || err == io.EOF || err == io.ErrClosedPipe {
		return true
	}
	if err == context.Canceled {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "file already closed")
}
