package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// Logger writes colored lines to the console and JSON lines to a daily file.
type Logger struct {
	mu       sync.Mutex
	console  io.Writer
	jsonSink io.Writer
	logFile  *os.File
	minLevel LogLevel
}

// NewLogger opens logs/<service>-YYYY-MM-DD.log and mirrors everything to stdout.
func NewLogger(service string) *Logger {
	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Fatal("Failed to create logs directory:", err)
	}

	logFileName := fmt.Sprintf("logs/%s-%s.log", service, time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatal("Failed to create log file:", err)
	}

	l := &Logger{
		console:  os.Stdout,
		jsonSink: logFile,
		logFile:  logFile,
		minLevel: DEBUG,
	}
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "info") {
		l.minLevel = INFO
	}

	l.Info("LOGGER", fmt.Sprintf("Log file: %s", logFileName))
	return l
}

// NewWriterLogger sends JSON lines to w and skips console output.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{jsonSink: w, minLevel: DEBUG}
}

// NewNop discards everything.
func NewNop() *Logger {
	return &Logger{minLevel: FATAL + 1}
}

func (l *Logger) log(level LogLevel, category, message string) {
	if l == nil || level < l.minLevel {
		return
	}
	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Level:     levelNames[level],
		Category:  strings.ToUpper(category),
		Message:   message,
		File:      file,
		Line:      line,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.console != nil {
		fmt.Fprint(l.console, formatTerminalOutput(entry))
	}
	if l.jsonSink != nil {
		b, _ := json.Marshal(entry)
		l.jsonSink.Write(append(b, '\n'))
	}
}

func formatTerminalOutput(entry LogEntry) string {
	var levelColor *color.Color
	switch entry.Level {
	case "DEBUG":
		levelColor = color.New(color.FgCyan)
	case "INFO":
		levelColor = color.New(color.FgGreen)
	case "WARN":
		levelColor = color.New(color.FgYellow)
	case "ERROR":
		levelColor = color.New(color.FgRed)
	case "FATAL":
		levelColor = color.New(color.FgRed, color.Bold)
	default:
		levelColor = color.New(color.FgWhite)
	}
	categoryColor := color.New(color.Bold)

	out := fmt.Sprintf("%s %s %s %s",
		color.New(color.FgBlue).Sprint(entry.Timestamp[11:19]),
		levelColor.Sprintf("%-5s", entry.Level),
		categoryColor.Sprintf("[%-10s]", entry.Category),
		entry.Message,
	)
	if entry.File != "" && entry.Line > 0 {
		out += color.New(color.FgMagenta).Sprintf(" (%s:%d)", entry.File, entry.Line)
	}
	return out + "\n"
}

func (l *Logger) Debug(category, message string) { l.log(DEBUG, category, message) }
func (l *Logger) Info(category, message string)  { l.log(INFO, category, message) }
func (l *Logger) Warn(category, message string)  { l.log(WARN, category, message) }
func (l *Logger) Error(category, message string) { l.log(ERROR, category, message) }

func (l *Logger) Fatal(category, message string) {
	l.log(FATAL, category, message)
	os.Exit(1)
}

func (l *Logger) LogOrder(action, orderID, message string) {
	l.log(INFO, "ORDER", fmt.Sprintf("[%s] %s - %s", action, orderID, message))
}

func (l *Logger) LogPayment(action, paymentRef, message string) {
	l.log(INFO, "PAYMENT", fmt.Sprintf("[%s] %s - %s", action, paymentRef, message))
}

func (l *Logger) LogInventory(action, ticketTypeID, message string) {
	l.log(INFO, "INVENTORY", fmt.Sprintf("[%s] %s - %s", action, ticketTypeID, message))
}

func (l *Logger) LogAPI(method, path string, status int, duration time.Duration) {
	l.log(INFO, "API", fmt.Sprintf("%s %s - %d (%s)", method, path, status, duration))
}

func (l *Logger) LogKafka(action, topic, message string) {
	l.log(INFO, "KAFKA", fmt.Sprintf("[%s] %s - %s", action, topic, message))
}

func (l *Logger) LogDatabase(operation, table, message string) {
	l.log(DEBUG, "DATABASE", fmt.Sprintf("[%s] %s - %s", operation, table, message))
}

func (l *Logger) LogSecurity(event, message string) {
	l.log(WARN, "SECURITY", fmt.Sprintf("[%s] %s", event, message))
}

func (l *Logger) Close() {
	if l.logFile != nil {
		l.Info("LOGGER", "Closing log file")
		l.logFile.Close()
	}
}
