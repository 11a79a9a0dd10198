//go:build !linux

package capture

import "context"

// unsupportedSource is returned on platforms without a native hook.
type unsupportedSource struct{}

func newPlatformSource([]string) Source {
	return unsupportedSource{}
}

func (unsupportedSource) Start(context.Context, *Queue) error { return ErrNotAvailable }
func (unsupportedSource) Stop() error                          { return nil }
func (unsupportedSource) Available() (bool, string) {
	return false, "no native input hook on this platform"
}
