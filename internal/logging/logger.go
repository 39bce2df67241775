// Package logging configures the process-wide logrus instance: a compact
// single-line format with caller location, stdout by default, and an
// optional rotating file for long-running deployments.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logDir      = "logs"
	logFileName = "gateway.log"

	// rotateAtMB keeps any single log file small enough to grep and tail
	// comfortably; lumberjack rotates past it.
	rotateAtMB = 10
)

var (
	initOnce sync.Once

	writerMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// gatewayFormatter renders one entry as
// "2006-01-02 15:04:05.000 INFO  decoder.go:87 message".
type gatewayFormatter struct{}

func (gatewayFormatter) Format(entry *log.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}

	level := strings.ToUpper(entry.Level.String())
	caller := ""
	if entry.Caller != nil {
		caller = fmt.Sprintf(" %s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	message := strings.TrimRight(entry.Message, "\r\n")

	fmt.Fprintf(buf, "%s %-5s%s %s\n", entry.Time.Format("2006-01-02 15:04:05.000"), level, caller, message)
	return buf.Bytes(), nil
}

// Init installs the gateway formatter on the shared logrus instance. Safe to
// call more than once; only the first call takes effect.
func Init() {
	initOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(gatewayFormatter{})
		log.RegisterExitHandler(closeFileWriter)
	})
}

// ToFile redirects log output into a rotating file under logs/, for
// deployments where stdout is not captured.
func ToFile() error {
	Init()

	writerMu.Lock()
	defer writerMu.Unlock()

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}
	if fileWriter != nil {
		_ = fileWriter.Close()
	}
	fileWriter = &lumberjack.Logger{
		Filename: filepath.Join(logDir, logFileName),
		MaxSize:  rotateAtMB,
	}
	log.SetOutput(fileWriter)
	return nil
}

// SetLevel switches between info and debug logging; it logs the transition
// so a hot reload of the debug flag is visible in the stream it affects.
func SetLevel(debug bool) {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	if current := log.GetLevel(); current != level {
		log.SetLevel(level)
		log.Infof("log level changed from %s to %s", current, level)
	}
}

func closeFileWriter() {
	writerMu.Lock()
	defer writerMu.Unlock()
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
}
