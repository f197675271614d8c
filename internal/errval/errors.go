package errval

import (
	"errors"
)

var (
	ErrInternal          = errors.New("internal server error")
	ErrNotFound          = errors.New("not found")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrDeliveryNotFound  = errors.New("delivery not found")
	ErrUnknownTask       = errors.New("unknown task")
	ErrDuplicateTaskName = errors.New("duplicate task name")
	ErrRegistrySealed    = errors.New("task registry is sealed")
	ErrHandler           = errors.New("handler error")
	ErrHandlerFatal      = errors.New("handler fatal error")
	ErrRevoked           = errors.New("task revoked")
	ErrDuplicateTask     = errors.New("task invocation already exists")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrTaskFinished      = errors.New("task already finished")
)
