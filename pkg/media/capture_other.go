//go:build !linux

package media

import "log/slog"

// Capture returns a receive-only stream on non-Linux platforms.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo on Linux); elsewhere the peer negotiates receive-only transceivers.
func Capture(logger *slog.Logger) (*Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("no local capture on this platform, joining receive-only")
	return NewStream(nil, nil, nil, logger), nil
}
