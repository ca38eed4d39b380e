package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const envProduction = "production"

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// Init configures the global logger. Production writes JSON to stdout,
// every other environment gets the human readable console writer.
func Init(env string, debug bool) {
	var out io.Writer = os.Stdout
	if env != envProduction {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	SetOutput(out, level)
}

// SetOutput replaces the sink and level. Tests use it to capture output.
func SetOutput(w io.Writer, level zerolog.Level) {
	l := zerolog.New(w).With().Timestamp().Logger().Level(level)
	mu.Lock()
	log = l
	mu.Unlock()
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

func withFields(e *zerolog.Event, keyValues []interface{}) *zerolog.Event {
	if len(keyValues) == 0 {
		return e
	}
	if len(keyValues)%2 != 0 {
		keyValues = append(keyValues, "<missing>")
	}
	return e.Fields(keyValues)
}

func Debug(msg string, keyValues ...interface{}) {
	withFields(current().Debug(), keyValues).Msg(msg)
}

func Info(msg string, keyValues ...interface{}) {
	withFields(current().Info(), keyValues).Msg(msg)
}

func Warn(msg string, keyValues ...interface{}) {
	withFields(current().Warn(), keyValues).Msg(msg)
}

// Error logs msg at error level with err attached. A nil err is allowed.
func Error(msg string, err error, keyValues ...interface{}) {
	e := current().Error()
	if err != nil {
		e = e.Err(err)
	}
	withFields(e, keyValues).Msg(msg)
}

// Fatal logs and exits the process.
func Fatal(msg string, err error, keyValues ...interface{}) {
	e := current().Fatal()
	if err != nil {
		e = e.Err(err)
	}
	withFields(e, keyValues).Msg(msg)
}
