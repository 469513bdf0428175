//go:build !oto

package sink

import "go.uber.org/zap"

func openDevice(Renderer, Format, *zap.Logger) (Sink, error) {
	return nil, ErrNoDevice
}
