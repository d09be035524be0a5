package sio

import (
	"os"

	"github.com/rs/zerolog"
)

// newLogger builds a component logger. Debug output is enabled by setting
// the SIO_DEBUG environment variable.
func newLogger(component string) zerolog.Logger {
	level := zerolog.WarnLevel
	if os.Getenv("SIO_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().
		Timestamp().
		Str("component", "sio:"+component).
		Logger()
}

var (
	serverLog    = newLogger("server")
	namespaceLog = newLogger("namespace")
	socketLog    = newLogger("socket")
	clientLog    = newLogger("client")
	adapterLog   = newLogger("adapter")
)
