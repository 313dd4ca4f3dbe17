package remus

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the package-wide logger. Components that need a logger of their
// own derive it with Log.With()... rather than constructing a fresh one,
// so a single -v flag controls verbosity everywhere.
var Log zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
}

// SetVerbose raises the global log level to debug, the equivalent of the
// original REMUS_DEBUG macro being compiled in.
func SetVerbose(v bool) {
	if v {
		Log = Log.Level(zerolog.DebugLevel)
	} else {
		Log = Log.Level(zerolog.InfoLevel)
	}
}
