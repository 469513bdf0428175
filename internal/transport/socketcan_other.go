//go:build !linux

package transport

import (
	"errors"
	"time"
)

var errSocketCANUnsupported = errors.New("socketcan: only available on linux")

// OpenSocketCAN 非 Linux 平台不可用，调用方回退到 fallback 模式
func OpenSocketCAN(iface string, txTimeout time.Duration) (Driver, error) {
	return nil, errSocketCANUnsupported
}
