package engineio

import (
	"os"

	"github.com/rs/zerolog"
)

func newLogger(component string) zerolog.Logger {
	level := zerolog.WarnLevel
	if os.Getenv("SIO_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().
		Timestamp().
		Str("component", "engineio:"+component).
		Logger()
}

var (
	serverLog  = newLogger("server")
	sessionLog = newLogger("session")
)
