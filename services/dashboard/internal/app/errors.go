package app

import "errors"

var (
	ErrUnknownResource   = errors.New("unknown resource")
	ErrWorkspaceClosed   = errors.New("workspace closed")
	ErrCallbackCodeEmpty = errors.New("sign-in code is required")
)
