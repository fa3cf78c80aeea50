// Package logging provides config-driven categorized file-based logging for hostmedic.
// Logs are written to <state_dir>/logs/medic.log through zap, one named logger per category.
// Logging is controlled by debug_mode in the config file - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup, config loading
	CategoryRegistry    Category = "registry"    // Specialist definitions, reloads
	CategorySelector    Category = "selector"    // Specialist scoring and selection
	CategoryEvidence    Category = "evidence"    // Probe collection, timeouts
	CategoryDiagnosis   Category = "diagnosis"   // Check sequences
	CategoryRanker      Category = "ranker"      // Hypothesis grouping
	CategoryPlanner     Category = "planner"     // Playbook expansion
	CategoryGate        Category = "gate"        // Risk policy and confirmation
	CategoryExecutor    Category = "executor"    // Mutation lifecycle
	CategoryReliability Category = "reliability" // Independent scoring
	CategoryLedger      Category = "ledger"      // Case records and summary index
	CategoryTactile     Category = "tactile"     // Command execution
	CategoryDoctor      Category = "doctor"      // Pipeline orchestration
	CategoryAudit       Category = "audit"       // Safety audit trail
)

// Settings mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type Settings struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a sugared zap logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu       sync.RWMutex
	root     *zap.Logger
	settings Settings
	loggers  = make(map[Category]*Logger)
	logFile  *os.File
)

// Initialize sets up the logs directory under stateDir and opens the log file.
// When debug mode is off every logger is a no-op and nothing touches disk.
func Initialize(stateDir string, s Settings) error {
	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}

	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	settings = s
	loggers = make(map[Category]*Logger)

	if !s.DebugMode {
		root = nil
		return nil
	}

	logsDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logsDir, "medic.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if s.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	root = zap.New(zapcore.NewCore(enc, zapcore.AddSync(f), parseLevel(s.Level)))

	boot := getLocked(CategoryBoot)
	boot.Info("=== hostmedic logging initialized ===")
	boot.Info("State directory: %s", stateDir)
	boot.Info("Log level: %s", s.Level)
	return nil
}

// UseLogger routes every category through the given zap logger.
// Tests use it with zaptest or observer cores.
func UseLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	root = l
	settings = Settings{DebugMode: l != nil}
	loggers = make(map[Category]*Logger)
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	return getLocked(category)
}

func getLocked(category Category) *Logger {
	if l, ok := loggers[category]; ok {
		return l
	}
	base := zap.NewNop()
	if root != nil && categoryEnabledLocked(category) {
		base = root.Named(string(category))
	}
	l := &Logger{category: category, sugar: base.Sugar()}
	loggers[category] = l
	return l
}

// Zap exposes the underlying structured logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying the given key/value pairs on every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// CloseAll flushes and closes the log file.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	root = nil
	loggers = make(map[Category]*Logger)
}

func closeLocked() {
	if root != nil {
		_ = root.Sync()
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})          { Get(CategoryBoot).Info(format, args...) }
func Registry(format string, args ...interface{})      { Get(CategoryRegistry).Info(format, args...) }
func RegistryDebug(format string, args ...interface{}) { Get(CategoryRegistry).Debug(format, args...) }
func Selector(format string, args ...interface{})      { Get(CategorySelector).Info(format, args...) }
func SelectorDebug(format string, args ...interface{}) { Get(CategorySelector).Debug(format, args...) }
func Evidence(format string, args ...interface{})      { Get(CategoryEvidence).Info(format, args...) }
func EvidenceDebug(format string, args ...interface{}) { Get(CategoryEvidence).Debug(format, args...) }
func Diagnosis(format string, args ...interface{})     { Get(CategoryDiagnosis).Info(format, args...) }
func DiagnosisDebug(format string, args ...interface{}) {
	Get(CategoryDiagnosis).Debug(format, args...)
}
func Ranker(format string, args ...interface{})        { Get(CategoryRanker).Debug(format, args...) }
func Planner(format string, args ...interface{})       { Get(CategoryPlanner).Info(format, args...) }
func PlannerDebug(format string, args ...interface{})  { Get(CategoryPlanner).Debug(format, args...) }
func Gate(format string, args ...interface{})          { Get(CategoryGate).Info(format, args...) }
func Executor(format string, args ...interface{})      { Get(CategoryExecutor).Info(format, args...) }
func ExecutorDebug(format string, args ...interface{}) { Get(CategoryExecutor).Debug(format, args...) }
func Reliability(format string, args ...interface{})   { Get(CategoryReliability).Info(format, args...) }
func Ledger(format string, args ...interface{})        { Get(CategoryLedger).Info(format, args...) }
func Tactile(format string, args ...interface{})       { Get(CategoryTactile).Debug(format, args...) }
func Doctor(format string, args ...interface{})        { Get(CategoryDoctor).Info(format, args...) }
