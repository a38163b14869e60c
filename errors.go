package circuitry

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

var (
	// ErrInvalidConfig is wrapped by constructor errors for out-of-range or
	// missing settings.
	ErrInvalidConfig = errors.New("circuitry: invalid config")

	// ErrInvalidRecord is wrapped when a received queue record is missing a
	// required field.
	ErrInvalidRecord = errors.New("circuitry: invalid record")

	// ErrNilHandler is returned by Subscribe when no handler is given.
	ErrNilHandler = errors.New("circuitry: nil handler")

	// ErrNilWork is returned when nil work is submitted to a pool.
	ErrNilWork = errors.New("circuitry: nil work")
)

// SubscribeError wraps the transport failure that ended a subscription loop.
// It is the only error Subscribe returns once the loop is running; handler
// and lock failures are reported through the error handler instead.
type SubscribeError struct {
	Err error
}

func (e *SubscribeError) Error() string {
	return "circuitry: subscribe failed: " + e.Err.Error()
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// service error codes that indicate the queue cannot be reached with the
// current configuration or credentials, as opposed to a transient fault
var fatalReceiveCodes = map[string]struct{}{
	"AccessDenied":                {},
	"AccessDeniedException":       {},
	"InvalidAddress":              {},
	"InvalidClientTokenId":        {},
	"InvalidSecurity":             {},
	"ExpiredToken":                {},
	"MissingAuthenticationToken":  {},
	"SignatureDoesNotMatch":       {},
	"UnrecognizedClientException": {},
}

// isConnectionError reports whether a receive failure is unrecoverable for
// the subscription loop. Errors that never produced a service response mean
// the endpoint itself is unreachable and are treated as fatal; service errors
// are fatal only for the known address and credential codes.
func isConnectionError(err error) bool {
	var notExist *types.QueueDoesNotExist
	if errors.As(err, &notExist) {
		return true
	}
	var api smithy.APIError
	if errors.As(err, &api) {
		_, fatal := fatalReceiveCodes[api.ErrorCode()]
		return fatal
	}
	return true
}
