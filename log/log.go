package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: CALLSCRIBE_LOG_PATH environment variable
	if envPath := os.Getenv("CALLSCRIBE_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptPath := filepath.Join(dir, "transcript_log.txt")
	transcriptFile, err = os.OpenFile(transcriptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

// SetLevel adjusts the diagnostics log level. Unknown levels are rejected.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	logMu.Lock()
	diagLog = diagLog.Level(lvl)
	logMu.Unlock()
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// TranscriptText appends one final transcript line to transcript_log.txt.
func TranscriptText(source, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcriptFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t[%s]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, source, text)
	transcriptFile.WriteString(line)
}

func PipelineStatus(state, message string) {
	if !logReady {
		return
	}
	ev := diagLog.Info().Str("state", state)
	if message != "" {
		ev = ev.Str("message", message)
	}
	ev.Msg("pipeline_status")
}

type LinkStatsData struct {
	ConnectMs    float64
	SentFrames   int
	SentKB       float64
	QueueDrops   int
	KeepAlives   int
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
	DecodeErrors int
	DurationS    float64
}

func LinkStats(m LinkStatsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Float64("connect_ms", m.ConnectMs).
		Int("sent_frames", m.SentFrames).
		Float64("sent_kb", m.SentKB).
		Int("queue_drops", m.QueueDrops).
		Int("keepalives", m.KeepAlives).
		Int("recv_messages", m.RecvMessages).
		Int("recv_final", m.RecvFinal).
		Int("recv_interim", m.RecvInterim).
		Int("decode_errors", m.DecodeErrors).
		Float64("duration_s", m.DurationS).
		Msg("link_session")
}

func SessionStart(id, model string, sources []string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("model", model).
		Strs("sources", sources).
		Msg("session_start")
}

func SessionEnd(id string, finals int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Int("finals", finals).
		Msg("session_end")
}
