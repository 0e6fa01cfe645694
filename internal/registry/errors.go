package registry

import "errors"

// Errors returned by Registry operations. Messages follow the revert reasons
// clients of the on-chain registries already know.
var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrUnauthorized      = errors.New("caller is not the owner")
	ErrAlreadyAuthorized = errors.New("address already authorized")
	ErrNotAuthorized     = errors.New("address not authorized")
	ErrCannotRemoveOwner = errors.New("cannot deauthorize contract owner")
	ErrSameOwner         = errors.New("new owner cannot be the same as current owner")
	ErrInvalidSnapshot   = errors.New("invalid snapshot")
)
