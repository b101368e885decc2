// Contains various utility functions related to logging.

package cli

import (
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/term"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("cli")

// StdErrIsATerminal is true if the process' stderr is an interactive TTY.
var StdErrIsATerminal = term.IsTerminal(int(os.Stderr.Fd()))

// logLevel is the current verbosity level that is set.
var logLevel = logging.WARNING

var fileLogLevel = logging.WARNING
var fileBackend logging.Backend

// A Verbosity is used as a flag to define logging verbosity.
type Verbosity logging.Level

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (v *Verbosity) UnmarshalFlag(in string) error {
	switch strings.ToLower(in) {
	case "error", "e", "0":
		*v = Verbosity(logging.ERROR)
	case "warning", "warn", "w", "1":
		*v = Verbosity(logging.WARNING)
	case "notice", "v":
		*v = Verbosity(logging.NOTICE)
	case "info", "i", "2":
		*v = Verbosity(logging.INFO)
	case "debug", "d", "3":
		*v = Verbosity(logging.DEBUG)
	default:
		return fmt.Errorf("unknown verbosity level %q", in)
	}
	return nil
}

// InitLogging initialises logging backends, directing everything at the given verbosity to stderr.
func InitLogging(verbosity Verbosity) {
	logLevel = logging.Level(verbosity)
	setLogBackend(logging.NewLogBackend(os.Stderr, "", 0))
}

// InitFileLogging initialises an optional additional logging backend writing to a file,
// independently levelled from the stderr backend.
func InitFileLogging(logFile string, logFileLevel Verbosity) {
	fileLogLevel = logging.Level(logFileLevel)
	if err := os.MkdirAll(path.Dir(logFile), os.ModeDir|0775); err != nil {
		log.Fatalf("Error creating log file directory: %s", err)
	}
	file, err := os.Create(logFile)
	if err != nil {
		log.Fatalf("Error opening log file: %s", err)
	}
	fileBackend = logging.NewLogBackend(file, "", 0)
	fileBackend = logging.NewBackendFormatter(fileBackend, logFormatter(false))
	setLogBackend(logging.NewLogBackend(os.Stderr, "", 0))
}

func logFormatter(coloured bool) logging.Formatter {
	formatStr := "%{time:15:04:05.000} %{level:7s}: %{message}"
	if coloured {
		formatStr = "%{color}" + formatStr + "%{color:reset}"
	}
	return logging.MustStringFormatter(formatStr)
}

func setLogBackend(backend logging.Backend) {
	backend = logging.NewBackendFormatter(backend, logFormatter(StdErrIsATerminal))
	levelled := logging.AddModuleLevel(backend)
	levelled.SetLevel(logLevel, "")
	if fileBackend == nil {
		logging.SetBackend(levelled)
		return
	}
	fileBackendLeveled := logging.AddModuleLevel(fileBackend)
	fileBackendLeveled.SetLevel(fileLogLevel, "")
	logging.SetBackend(levelled, fileBackendLeveled)
}
