// Package logging provides config-driven categorized file-based logging for
// hivequery. Logs are written to ~/.hivequery/logs/ with separate files per
// category. Logging is controlled by debug_mode in the user config - when
// false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategorySession   Category = "session"   // Conversation sessions, stage machine
	CategoryRouter    Category = "router"    // Classification and routing decisions
	CategoryDispatch  Category = "dispatch"  // Fan-out, per-service timeouts
	CategoryAutomator Category = "automator" // Service automators, auth, queries
	CategoryBrowser   Category = "browser"   // Browser driving, profiles, stealth
	CategoryProcessor Category = "processor" // Response extraction and merging
	CategorySynthesis Category = "synthesis" // Analysis, follow-ups, final answer
	CategoryStore     Category = "store"     // Credential/session store
	CategoryModel     Category = "model"     // Local model calls
	CategoryServer    Category = "server"    // Control API / WebSocket
	CategoryUtility   Category = "utility"   // Direct utility API calls
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// configFile structure for reading the user config
type configFile struct {
	Logging loggingConfig `json:"logging"`
}

// StructuredLogEntry represents a JSON log entry
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	homeDir   string
	config    loggingConfig
	configMu  sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the hivequery home directory
// (normally ~/.hivequery).
func Initialize(home string) error {
	if home == "" {
		return fmt.Errorf("home path required")
	}

	homeDir = home
	logsDir = filepath.Join(homeDir, "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	// Only create the logs directory when debug mode is on
	if !config.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== hivequery logging initialized ===")
	boot.Info("Home: %s", homeDir)
	boot.Info("Level: %s", config.Level)
	return nil
}

// loadConfig reads the logging config from <home>/config.json
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(homeDir, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging)
			config.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	config = cf.Logging

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	return nil
}

// ReloadConfig reloads the config from disk.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or the category is off.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date-prefixed file names keep rotation trivial
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions. No-ops when the category is disabled.

// Session logs to the session category
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// Router logs to the router category
func Router(format string, args ...interface{}) {
	Get(CategoryRouter).Info(format, args...)
}

// RouterDebug logs debug to the router category
func RouterDebug(format string, args ...interface{}) {
	Get(CategoryRouter).Debug(format, args...)
}

// Dispatch logs to the dispatch category
func Dispatch(format string, args ...interface{}) {
	Get(CategoryDispatch).Info(format, args...)
}

// Automator logs to the automator category
func Automator(format string, args ...interface{}) {
	Get(CategoryAutomator).Info(format, args...)
}

// AutomatorWarn logs warning to the automator category
func AutomatorWarn(format string, args ...interface{}) {
	Get(CategoryAutomator).Warn(format, args...)
}

// Browser logs to the browser category
func Browser(format string, args ...interface{}) {
	Get(CategoryBrowser).Info(format, args...)
}

// BrowserDebug logs debug to the browser category
func BrowserDebug(format string, args ...interface{}) {
	Get(CategoryBrowser).Debug(format, args...)
}

// Processor logs to the processor category
func Processor(format string, args ...interface{}) {
	Get(CategoryProcessor).Info(format, args...)
}

// ProcessorDebug logs debug to the processor category
func ProcessorDebug(format string, args ...interface{}) {
	Get(CategoryProcessor).Debug(format, args...)
}

// Synthesis logs to the synthesis category
func Synthesis(format string, args ...interface{}) {
	Get(CategorySynthesis).Info(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Model logs to the model category
func Model(format string, args ...interface{}) {
	Get(CategoryModel).Info(format, args...)
}

// ModelWarn logs warning to the model category
func ModelWarn(format string, args ...interface{}) {
	Get(CategoryModel).Warn(format, args...)
}

// Utility logs to the utility category
func Utility(format string, args ...interface{}) {
	Get(CategoryUtility).Info(format, args...)
}

// Server logs to the server category
func Server(format string, args ...interface{}) {
	Get(CategoryServer).Info(format, args...)
}

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
