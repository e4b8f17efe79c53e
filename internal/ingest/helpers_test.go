package ingest

import (
	"io"

	"github.com/austindbirch/kmhook/internal/logging"
)

func quietLogger() *logging.Logger {
	l := logging.New("ingest-test")
	l.SetOutput(io.Discard)
	return l
}
