//go:build !whisper

package whisper

import (
	"context"

	"github.com/MrWong99/ideaflow/pkg/provider/stt"
)

// Native is unavailable in this build; see [ErrNativeUnavailable].
type Native struct{}

var _ stt.Provider = (*Native)(nil)

// NewNative always fails with [ErrNativeUnavailable].
func NewNative(string, ...Option) (*Native, error) {
	return nil, ErrNativeUnavailable
}

// StartStream always fails with [ErrNativeUnavailable].
func (*Native) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, ErrNativeUnavailable
}

// Close is a no-op.
func (*Native) Close() error { return nil }
