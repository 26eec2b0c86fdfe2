package identity

import "errors"

var (
	PopupBlockedErr    = errors.New("sign-in popup blocked")
	PopupClosedErr     = errors.New("sign-in popup closed before completion")
	NotListeningErr    = errors.New("session store is not listening")
	NoCredentialErr    = errors.New("no provider credential held")
	PersistenceGateErr = errors.New("persistence mode not negotiated")
)
