package dispatch

import "errors"

var (
	ErrDispatchClosed  = errors.New("dispatcher already marked idle")
	ErrDispatcherBusy  = errors.New("conversation already has an active dispatcher")
	ErrAdapterRequired = errors.New("dispatcher requires an adapter")
)
