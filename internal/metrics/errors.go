package metrics

import "errors"

var (
	// ErrDisabled is returned by Connect when metrics are turned off.
	ErrDisabled = errors.New("metrics: disabled in configuration")

	// ErrConnectionFailed wraps a failed startup ping.
	ErrConnectionFailed = errors.New("metrics: connection failed")
)
