package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var engine = false
var recorder = false
var target = false
var unwind = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Engine returns true if the debugger engine should log.
func Engine() bool {
	return engine
}

// EngineLogger returns a logger for the debugger engine.
func EngineLogger() Logger {
	return makeFlaggableLogger(engine, Fields{"layer": "engine"})
}

// Recorder returns true if the trace recorder should log.
func Recorder() bool {
	return recorder
}

// RecorderLogger returns a logger for the trace recorder and symbolizer.
func RecorderLogger() Logger {
	return makeFlaggableLogger(recorder, Fields{"layer": "recorder"})
}

// Target returns true if the target loader should log.
func Target() bool {
	return target
}

// TargetLogger returns a logger for /proc and ELF loading.
func TargetLogger() Logger {
	return makeFlaggableLogger(target, Fields{"layer": "target"})
}

// Unwind returns true if the stack unwinder should log its recoverable
// errors.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for remote stack unwinding.
func UnwindLogger() Logger {
	return makeFlaggableLogger(unwind, Fields{"layer": "unwind"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component logging flags based on the contents of logstr.
// logDest can be a file path or a file descriptor number.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "memtrace-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "engine"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "engine":
			engine = true
		case "recorder":
			recorder = true
		case "target":
			target = true
		case "unwind":
			unwind = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

var textFormatterInstance = &textFormatter{}

// textFormatter is a simplified version of logrus.TextFormatter that
// never colorizes the output and keys the fields in a stable order.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	b.WriteString(entry.Time.Format("2006-01-02T15:04:05-07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		if i != 0 {
			b.WriteByte(',')
		}
		stringVal, ok := entry.Data[key].(string)
		if !ok {
			stringVal = fmt.Sprint(entry.Data[key])
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(stringVal)
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}
