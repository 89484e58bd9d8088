package logcollection

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
)

// StreamType identifies which output of a unit a line came from
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

type Config struct {
	// Per-unit log files are written here as <unit>.log; empty disables them
	Directory string

	// Forward every line to the daemon's zap logger
	Forward bool
}

// UnitStatus reports collection counters for one unit
type UnitStatus struct {
	Unit           string
	Active         bool
	LinesProcessed int64
	BytesProcessed int64
	LastActivity   time.Time
}

// Collector captures unit stdout and stderr line by line
type Collector struct {
	config Config
	zap    *zap.Logger
	logger logging.Logger

	mutex sync.Mutex
	units map[string]*unitCollector
}

func NewCollector(config Config, zapLogger *zap.Logger, logger logging.Logger) *Collector {
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Collector{
		config: config,
		zap:    zapLogger,
		logger: logger,
		units:  make(map[string]*unitCollector),
	}
}

// Open returns the stdout and stderr writers for one process of unitName.
// Closing both writers flushes pending lines and closes the unit's log file.
func (c *Collector) Open(unitName string) (io.WriteCloser, io.WriteCloser, error) {
	var file *os.File
	if c.config.Directory != "" {
		if err := os.MkdirAll(c.config.Directory, 0755); err != nil {
			return nil, nil, errors.NewIOError("failed to create log directory", err).
				WithContext("directory", c.config.Directory)
		}
		path := c.FilePath(unitName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, errors.NewIOError("failed to open log file", err).WithUnit(unitName).WithContext("path", path)
		}
		file = f
	}

	uc := c.unit(unitName)
	sink := &fileSink{file: file, refs: 2}

	stdout := uc.newStream(StdoutStream, sink)
	stderr := uc.newStream(StderrStream, sink)

	c.logger.Debugf("Collecting output, unit: %s, file: %t, forward: %t", unitName, file != nil, c.config.Forward)
	return stdout, stderr, nil
}

// FilePath is where the output of unitName is appended
func (c *Collector) FilePath(unitName string) string {
	if c.config.Directory == "" {
		return ""
	}
	return filepath.Join(c.config.Directory, unitName+".log")
}

func (c *Collector) Status(unitName string) (UnitStatus, bool) {
	c.mutex.Lock()
	uc, ok := c.units[unitName]
	c.mutex.Unlock()
	if !ok {
		return UnitStatus{}, false
	}
	return uc.status(), true
}

func (c *Collector) unit(unitName string) *unitCollector {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	uc, ok := c.units[unitName]
	if !ok {
		uc = &unitCollector{
			name:      unitName,
			collector: c,
			zap:       c.zap.With(zap.String("unit", unitName)),
		}
		c.units[unitName] = uc
	}
	return uc
}

type unitCollector struct {
	name      string
	collector *Collector
	zap       *zap.Logger

	mutex          sync.Mutex
	streams        int
	linesProcessed int64
	bytesProcessed int64
	lastActivity   time.Time
}

func (u *unitCollector) newStream(streamType StreamType, sink *fileSink) *streamWriter {
	u.mutex.Lock()
	u.streams++
	u.mutex.Unlock()

	pr, pw := io.Pipe()
	w := &streamWriter{
		pipe: pw,
		done: make(chan struct{}),
	}
	go u.streamReader(pr, streamType, sink, w.done)
	return w
}

// MaxLineSize is the longest line forwarded as one entry; longer lines are split
const MaxLineSize = 1024 * 1024

func (u *unitCollector) streamReader(stream io.Reader, streamType StreamType, sink *fileSink, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReaderSize(stream, 64*1024)
	line := make([]byte, 0, 64*1024)
	splitReported := false

	for {
		chunk, isPrefix, err := reader.ReadLine()
		line = append(line, chunk...)
		if err != nil {
			if len(line) > 0 {
				u.processLine(string(line), streamType, sink)
			}
			if err != io.EOF {
				u.collector.logger.Warnf("Error reading unit output, unit: %s, stream: %s, error: %v", u.name, streamType, err)
				// drain so the process never blocks on a full pipe
				_, _ = io.Copy(io.Discard, stream)
			}
			break
		}
		if isPrefix && len(line) < MaxLineSize {
			continue
		}
		if isPrefix && !splitReported {
			u.collector.logger.Warnf("Unit output line longer than %d bytes split, unit: %s, stream: %s", MaxLineSize, u.name, streamType)
			splitReported = true
		}
		u.processLine(string(line), streamType, sink)
		line = line[:0]
	}

	if err := sink.release(); err != nil {
		u.collector.logger.Warnf("Failed to close log file, unit: %s, error: %v", u.name, err)
	}

	u.mutex.Lock()
	u.streams--
	u.mutex.Unlock()
}

func (u *unitCollector) processLine(line string, streamType StreamType, sink *fileSink) {
	now := time.Now()

	u.mutex.Lock()
	u.linesProcessed++
	u.bytesProcessed += int64(len(line))
	u.lastActivity = now
	u.mutex.Unlock()

	if u.collector.config.Forward {
		u.zap.Info(line, zap.String("stream", string(streamType)))
	}

	if err := sink.writeLine(fmt.Sprintf("[%s][%s][%s] %s\n", now.Format(time.RFC3339), u.name, streamType, line)); err != nil {
		u.collector.logger.Warnf("Failed to write unit output, unit: %s, error: %v", u.name, err)
	}
}

func (u *unitCollector) status() UnitStatus {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return UnitStatus{
		Unit:           u.name,
		Active:         u.streams > 0,
		LinesProcessed: u.linesProcessed,
		BytesProcessed: u.bytesProcessed,
		LastActivity:   u.lastActivity,
	}
}

// streamWriter feeds one stream into its reader goroutine
type streamWriter struct {
	pipe      *io.PipeWriter
	done      chan struct{}
	closeOnce sync.Once
}

func (w *streamWriter) Write(p []byte) (int, error) {
	return w.pipe.Write(p)
}

// Close waits until every buffered line has been processed
func (w *streamWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.pipe.Close()
		<-w.done
	})
	return err
}

// fileSink is the log file shared by the stdout and stderr of one process
type fileSink struct {
	mutex sync.Mutex
	file  *os.File
	refs  int
}

func (s *fileSink) writeLine(line string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.file == nil {
		return nil
	}
	_, err := s.file.WriteString(line)
	return err
}

func (s *fileSink) release() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.refs--
	if s.refs > 0 || s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
