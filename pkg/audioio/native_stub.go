//go:build !cgo

package audioio

import (
	"errors"
	"log/slog"
)

const nativeAvailable = false

var errNativeUnavailable = errors.New("native audio requires cgo")

func newNativeSource(cfg Config, logger *slog.Logger) (Source, error) {
	return nil, errNativeUnavailable
}

func newNativeSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return nil, errNativeUnavailable
}
