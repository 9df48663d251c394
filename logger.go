package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ========================================
// Structured Logger
// ========================================

// Logger is the process-wide logger
var Logger zerolog.Logger

// persistentLogger owns the log file when file output is enabled
var persistentLogger *PersistentLogger

// LogLevel is the minimum level written
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel maps "debug", "info", "warn" and "error" to a LogLevel.
// Anything else is Info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogConfig configures InitLogger
type LogConfig struct {
	Level      LogLevel
	Console    bool      // write to the console
	ConsoleOut io.Writer // defaults to stderr
	File       bool      // write to FilePath
	FilePath   string
	MaxSizeMB  int  // rotate when the file grows past this size
	MaxAgeDays int  // delete rotated files older than this
	MaxBackups int  // keep at most this many rotated files
	Compress   bool // gzip rotated files
}

// DefaultLogConfig logs Info and above to the console only
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      LogLevelInfo,
		Console:    true,
		File:       false,
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxBackups: 5,
		Compress:   true,
	}
}

// PersistentLogConfig adds a rotating file under dataDir/logs
func PersistentLogConfig(dataDir string) LogConfig {
	cfg := DefaultLogConfig()
	cfg.File = true
	cfg.FilePath = filepath.Join(dataDir, "logs", "tapline.log")
	return cfg
}

// ========================================
// PersistentLogger
// ========================================

// PersistentLogger writes to a file and rotates it by size
type PersistentLogger struct {
	mu          sync.Mutex
	config      LogConfig
	currentFile *os.File
	currentSize int64
	logDir      string
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewPersistentLogger opens config.FilePath for appending and starts the
// retention cleanup
func NewPersistentLogger(config LogConfig) (*PersistentLogger, error) {
	logDir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	pl := &PersistentLogger{
		config: config,
		logDir: logDir,
		stop:   make(chan struct{}),
	}

	if err := pl.openFile(); err != nil {
		return nil, err
	}

	pl.wg.Add(1)
	go pl.cleanupRoutine()

	return pl, nil
}

// Write implements io.Writer
func (pl *PersistentLogger) Write(p []byte) (n int, err error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.currentFile == nil {
		return 0, os.ErrClosed
	}

	if pl.config.MaxSizeMB > 0 && pl.currentSize+int64(len(p)) > int64(pl.config.MaxSizeMB)*1024*1024 {
		if err := pl.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = pl.currentFile.Write(p)
	pl.currentSize += int64(n)
	return n, err
}

func (pl *PersistentLogger) openFile() error {
	file, err := os.OpenFile(pl.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	pl.currentFile = file
	pl.currentSize = info.Size()
	return nil
}

// rotate must be called with mu held
func (pl *PersistentLogger) rotate() error {
	if pl.currentFile != nil {
		pl.currentFile.Close()
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05.000")
	rotatedPath := filepath.Join(pl.logDir, fmt.Sprintf("tapline_%s.log", timestamp))

	if err := os.Rename(pl.config.FilePath, rotatedPath); err != nil {
		// Keep logging into the same file
		return pl.openFile()
	}

	if pl.config.Compress {
		pl.wg.Add(1)
		go func() {
			defer pl.wg.Done()
			compressFile(rotatedPath)
		}()
	}

	return pl.openFile()
}

// compressFile gzips path next to itself and removes the original
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	src.Close()
	return os.Remove(path)
}

func (pl *PersistentLogger) cleanupRoutine() {
	defer pl.wg.Done()
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	pl.cleanup()

	for {
		select {
		case <-pl.stop:
			return
		case <-ticker.C:
			pl.cleanup()
		}
	}
}

// cleanup removes rotated files past MaxAgeDays or beyond MaxBackups
func (pl *PersistentLogger) cleanup() {
	files, err := rotatedFiles(pl.logDir)
	if err != nil {
		return
	}

	now := time.Now()
	for i, fi := range files {
		if pl.config.MaxAgeDays > 0 && now.Sub(fi.modTime) > time.Duration(pl.config.MaxAgeDays)*24*time.Hour {
			os.Remove(fi.path)
			continue
		}
		if pl.config.MaxBackups > 0 && i >= pl.config.MaxBackups {
			os.Remove(fi.path)
		}
	}
}

type logFile struct {
	path    string
	modTime time.Time
}

// rotatedFiles lists rotated logs, newest first
func rotatedFiles(dir string) ([]logFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "tapline_*.log*"))
	if err != nil {
		return nil, err
	}
	var files []logFile
	for _, f := range matches {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		files = append(files, logFile{path: f, modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	return files, nil
}

// Close stops the cleanup routine, waits for pending compression and
// closes the file
func (pl *PersistentLogger) Close() error {
	pl.mu.Lock()
	select {
	case <-pl.stop:
	default:
		close(pl.stop)
	}
	var err error
	if pl.currentFile != nil {
		err = pl.currentFile.Close()
		pl.currentFile = nil
	}
	pl.mu.Unlock()

	pl.wg.Wait()
	return err
}

// ========================================
// Initialization
// ========================================

// InitLogger replaces the global Logger
func InitLogger(config LogConfig) error {
	var writers []io.Writer

	if config.Console {
		out := config.ConsoleOut
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		})
	}

	if config.File && config.FilePath != "" {
		pl, err := NewPersistentLogger(config)
		if err != nil {
			return err
		}
		if persistentLogger != nil {
			persistentLogger.Close()
		}
		persistentLogger = pl
		writers = append(writers, pl)
	}

	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Logger()
	SetLogLevel(config.Level)

	return nil
}

// SetLogLevel changes the minimum level for every logger, including module
// loggers derived earlier. Safe to call while other goroutines log.
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(level.zerolog())
}

// CloseLogger flushes and closes the log file
func CloseLogger() {
	if persistentLogger != nil {
		persistentLogger.Close()
		persistentLogger = nil
	}
}

// ========================================
// Module helpers
// ========================================

func LogDebug(module string) *zerolog.Event {
	return Logger.Debug().Str("module", module)
}

func LogInfo(module string) *zerolog.Event {
	return Logger.Info().Str("module", module)
}

func LogWarn(module string) *zerolog.Event {
	return Logger.Warn().Str("module", module)
}

func LogError(module string) *zerolog.Event {
	return Logger.Error().Str("module", module)
}

// ModuleLogger returns a child logger for packages that take a zerolog.Logger
func ModuleLogger(module string) zerolog.Logger {
	return Logger.With().Str("module", module).Logger()
}

// LogPanic records a recovered panic with its stack
func LogPanic(module string, recovered interface{}, stack string) {
	Logger.Error().
		Str("module", module).
		Str("category", "panic").
		Interface("recovered", recovered).
		Str("stack", stack).
		Msg("Panic recovered")
}

// ========================================
// Operation timing
// ========================================

// OperationTimer logs the duration of an operation when it ends
type OperationTimer struct {
	module    string
	operation string
	startTime time.Time
	details   map[string]interface{}
}

func StartOperation(module, operation string) *OperationTimer {
	return &OperationTimer{
		module:    module,
		operation: operation,
		startTime: time.Now(),
		details:   make(map[string]interface{}),
	}
}

func (t *OperationTimer) AddDetail(key string, value interface{}) *OperationTimer {
	t.details[key] = value
	return t
}

// End logs the operation at Info level
func (t *OperationTimer) End() {
	t.log(Logger.Info(), nil, "Operation completed")
}

// EndWithError logs the operation at Error level
func (t *OperationTimer) EndWithError(err error) {
	t.log(Logger.Error(), err, "Operation failed")
}

func (t *OperationTimer) log(event *zerolog.Event, err error, msg string) {
	duration := time.Since(t.startTime)
	event = event.
		Str("module", t.module).
		Str("category", "performance").
		Str("operation", t.operation).
		Dur("duration", duration).
		Int64("duration_ms", duration.Milliseconds())
	if err != nil {
		event = event.Err(err)
	}
	addFields(event, t.details).Msg(msg)
}

func addFields(event *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			event.Str(k, val)
		case int:
			event.Int(k, val)
		case int64:
			event.Int64(k, val)
		case float64:
			event.Float64(k, val)
		case bool:
			event.Bool(k, val)
		case error:
			event.AnErr(k, val)
		default:
			event.Interface(k, val)
		}
	}
	return event
}

// ========================================
// Log files
// ========================================

// GetLogFilePath returns the active log file, or "" without file output
func GetLogFilePath() string {
	if persistentLogger != nil {
		return persistentLogger.config.FilePath
	}
	return ""
}

// ReadRecentLogs returns the last n lines of the active log file
func ReadRecentLogs(lines int) ([]string, error) {
	if persistentLogger == nil {
		return nil, fmt.Errorf("persistent logger not initialized")
	}

	content, err := os.ReadFile(persistentLogger.config.FilePath)
	if err != nil {
		return nil, err
	}

	allLines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(allLines) <= lines {
		return allLines, nil
	}
	return allLines[len(allLines)-lines:], nil
}

func init() {
	_ = InitLogger(DefaultLogConfig())
}
