package sys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	// Style definitions
	infoColor     = color.New(color.FgHiBlack)
	warnColor     = color.New(color.FgHiYellow)
	errorColor    = color.New(color.FgHiRed)
	fatalColor    = color.New(color.FgHiRed, color.Bold)
	databaseColor = color.New(color.FgHiBlack)
	resolverColor = color.New(color.FgHiMagenta)
	sourceColor   = color.New(color.FgHiMagenta)
	queueColor    = color.New(color.FgHiCyan)
	cacheColor    = color.New(color.FgHiCyan)
	playerColor   = color.New(color.FgHiMagenta)

	IsSilent  = false
	LogToFile = false

	// Global default logger
	Logger *slog.Logger

	// Log file handling
	logFile *os.File
	logMu   sync.Mutex
)

func init() {
	// Initialize with a default handler immediately (Stdout only)
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	// Clean up previous file if it exists (e.g. during reload)
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error

	// Open log file if requested
	if LogToFile {
		// Determine log file name from executable name
		exePath, exeErr := os.Executable()
		logName := "aria.log" // Fallback
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		// Open log file
		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, logFile)
		}
	}

	// Force colors to be enabled even if writing to a file/pipe avoids detection
	color.NoColor = false

	handler := NewCoreLogHandler(writer, &CoreLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Log Functions (Signatures preserved for compatibility) ---

func LogInfo(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...))
}

func LogFatal(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg) // Custom Fatal level
	os.Exit(1)
}

func LogDatabase(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogResolver(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "resolver"))
}

func LogSource(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "source"))
}

func LogQueue(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "queue"))
}

func LogCache(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "cache"))
}

func LogPlayer(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "player"))
}

func LogCustom(tag string, tagColor *color.Color, format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", tag))
}

func LogDebug(format string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// --- Custom Slog Handler ---

type CoreLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type CoreLogHandler struct {
	w    io.Writer
	opts *CoreLogHandlerOptions
	mu   *sync.Mutex
}

func NewCoreLogHandler(w io.Writer, opts *CoreLogHandlerOptions) *CoreLogHandler {
	if opts == nil {
		opts = &CoreLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &CoreLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *CoreLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *CoreLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format("15:04:05")
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4: // Fatal
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	default:
		levelStr = "INFO"
		levelColor = infoColor
	}

	// Extract component if present
	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	// Output: 15:04:05 [INFO] [COMPONENT] Message
	// Timestamp is always printed in default color.
	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		// Component-specific logs: Level tag (if not INFO) is isolated, Message bleeds component color
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", compColor.Sprintf("[%s] %s", component, r.Message))
	} else {
		// General logs: Level tag color bleeds into the message
		fmt.Fprintf(h.w, " %s\n", levelColor.Sprintf("[%s] %s", levelStr, r.Message))
	}

	return nil
}

func (h *CoreLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *CoreLogHandler) WithGroup(name string) slog.Handler       { return h }

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "RESOLVER":
		return resolverColor
	case "SOURCE":
		return sourceColor
	case "QUEUE":
		return queueColor
	case "CACHE":
		return cacheColor
	case "PLAYER":
		return playerColor
	default:
		return color.New(color.FgCyan)
	}
}

// @sys
const (
	// Configuration
	MsgConfigFailedToLoad = "Failed to load config: %v"

	// Data layer
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"

	// Lifecycle
	MsgCoreStarting     = "Starting %s..."
	MsgCoreReady        = "%s is ready (PID: %d)"
	MsgCoreShutdown     = "Shutting down %s..."
	MsgCoreKillingOld   = "Killing running instance... (PID: %d)"
	MsgCoreKillFail     = "Failed to kill old instance: %v"
	MsgCorePIDWriteFail = "Failed to write PID file: %v"
)

// @resolver
const (
	MsgResolverTimeout      = "Timeout in %s (attempt %d/%d)"
	MsgResolverBackendFail  = "%s failed: %v"
	MsgResolverEmpty        = "%s returned 0 results"
	MsgResolverSuccess      = "Success with %s: %d results in %v"
	MsgResolverExhausted    = "All backends failed after %v"
	MsgResolverCorrection   = "Retrying with corrected query: %q -> %q"
	MsgResolverDirectURL    = "Direct resolution via %s: %s"
	MsgResolverCacheHit     = "Search cache hit for %q"
	MsgResolverAllDisabled  = "No enabled backends for %q"
	MsgResolverProtocolSkip = "%s returned a malformed response, skipping for this call"
)

// @queue
const (
	MsgQueueAdded          = "Added to queue: %s"
	MsgQueueFull           = "Queue is full (max %d tracks)"
	MsgQueueNext           = "Next track selected: %s"
	MsgQueueEmpty          = "Queue empty"
	MsgQueueSkippingBad    = "Skipping quarantined track: %s"
	MsgQueueLoopBad        = "Looped track has failed too many times, skipping"
	MsgQueueRecoveryOn     = "Recovery mode activated after %d consecutive failures"
	MsgQueueRecoveryTry    = "Attempting to recover quarantined tracks..."
	MsgQueueRecovered      = "Track recovered for retry: %s"
	MsgQueueFailure        = "Track failure (attempt %d): %s - %s"
	MsgQueueQuarantined    = "Moving track to quarantine: %s"
	MsgQueueCleared        = "Queue cleared: %d tracks removed"
	MsgQueueDupesRemoved   = "Removed %d duplicate tracks"
	MsgQueueRecoveryNotYet = "Recovery cooldown still active, nothing re-admitted"
)

// @cache
const (
	MsgCacheStarted       = "Adaptive cache started with a %dMB ceiling"
	MsgCacheCleanup       = "Cleanup complete: stream %d->%d, metadata %d->%d, search %d->%d"
	MsgCachePressure      = "Memory pressure %s, evicting %d%% of cache entries"
	MsgCachePressureLFU   = "Memory pressure medium, evicting least-used entries"
	MsgCacheMemoryReading = "Memory: %dMB used / %dMB total (%.1f%%)"
)
