// Copyright 2025 The Tarxiv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tarxivlog builds the JSON loggers used across the pipeline. A
// bitmask selects where log lines go: stdout, a per-component log file, a
// log collector over TCP, or any combination.
package tarxivlog

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Reporting modes. Values combine bitwise, e.g. ModePrint|ModeDatabase.
const (
	ModePrint    = 1 // JSON lines to stdout
	ModeFile     = 2 // JSON lines appended to <dir>/<component>.log
	ModeDatabase = 4 // JSON lines to the log collector over TCP
)

// Options configures a component logger.
type Options struct {
	// Mode is the reporting bitmask. Zero falls back to ModePrint so a
	// component is never completely silent.
	Mode      int
	Component string
	// Dir holds the log files when ModeFile is set.
	Dir string
	// CollectorAddr is the host:port of the log collector when ModeDatabase
	// is set.
	CollectorAddr string
	Debug         bool
}

// Bootstrap returns the plain stderr logger used before configuration is
// available, e.g. to report that the configuration itself failed to load.
func Bootstrap() log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// New builds the component logger described by opts. The returned closer
// releases the file and collector sinks and must be called on shutdown.
func New(opts Options) (log.Logger, io.Closer, error) {
	mode := opts.Mode
	if mode == 0 {
		mode = ModePrint
	}

	var (
		writers []io.Writer
		closers multiCloser
	)
	if mode&ModePrint != 0 {
		writers = append(writers, log.NewSyncWriter(os.Stdout))
	}
	if mode&ModeFile != 0 {
		if opts.Dir == "" {
			return nil, nil, fmt.Errorf("file logging requested but no log directory configured")
		}
		path := filepath.Join(opts.Dir, opts.Component+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, log.NewSyncWriter(f))
		closers = append(closers, f)
	}
	if mode&ModeDatabase != 0 {
		if opts.CollectorAddr == "" {
			return nil, nil, fmt.Errorf("collector logging requested but no collector address configured")
		}
		w := &collectorWriter{addr: opts.CollectorAddr}
		writers = append(writers, w)
		closers = append(closers, w)
	}

	logger := log.NewJSONLogger(teeWriter(writers))
	if opts.Debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	if opts.Component != "" {
		logger = log.With(logger, "component", opts.Component)
	}
	return logger, closers, nil
}

// teeWriter fans a log line out to every sink. Unlike io.MultiWriter it
// keeps writing to the remaining sinks when one fails: a dead collector must
// not silence stdout.
func teeWriter(ws []io.Writer) io.Writer {
	if len(ws) == 1 {
		return ws[0]
	}
	return writerFunc(func(p []byte) (int, error) {
		for _, w := range ws {
			_, _ = w.Write(p)
		}
		return len(p), nil
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// collectorWriter ships JSON lines to the log collector over TCP. Delivery
// is best effort: on write failure the line is dropped and the connection
// redialed on the next write.
type collectorWriter struct {
	addr string

	mtx  sync.Mutex
	conn net.Conn
}

func (w *collectorWriter) Write(p []byte) (int, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.conn == nil {
		conn, err := net.DialTimeout("tcp", w.addr, 2*time.Second)
		if err != nil {
			return len(p), nil
		}
		w.conn = conn
	}
	if _, err := w.conn.Write(p); err != nil {
		w.conn.Close()
		w.conn = nil
	}
	return len(p), nil
}

func (w *collectorWriter) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
