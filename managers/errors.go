package managers

import (
	"fmt"
	"strings"
)

// retriable is implemented by errors the retry layer may attempt again.
type retriable interface {
	Retriable() bool
}

// PreconditionError means the request can never succeed in its current
// shape, for example a DNS name with no matching zone. Surfaced to the
// caller immediately, never retried.
type PreconditionError struct {
	Message string
}

func (e PreconditionError) Error() string {
	return e.Message
}

// NewUnmatchedZoneError reports every DNS name that failed zone matching in
// one message rather than stopping at the first.
func NewUnmatchedZoneError(dnsNames []string) PreconditionError {
	return PreconditionError{
		Message: fmt.Sprintf("no DNS zone found for: %s", strings.Join(dnsNames, ", ")),
	}
}

// RetriableError is a transient failure worth reattempting on a short
// interval, such as a TXT record that has not propagated yet.
type RetriableError struct {
	Inner error
}

func (e RetriableError) Error() string {
	return e.Inner.Error()
}

func (e RetriableError) Unwrap() error {
	return e.Inner
}

func (e RetriableError) Retriable() bool {
	return true
}

// RetriableEscalation is a transient failure that exhausted the short retry
// window but is still worth a couple of much slower attempts, for example a
// CA-side validation failure caused by slow DNS propagation.
type RetriableEscalation struct {
	Inner error
}

func (e RetriableEscalation) Error() string {
	return e.Inner.Error()
}

func (e RetriableEscalation) Unwrap() error {
	return e.Inner
}

func (e RetriableEscalation) Retriable() bool {
	return true
}

// ProtocolError is a non-transient ACME failure, for example a challenge
// rejected with a CAA or account problem. Retrying would produce the same
// answer.
type ProtocolError struct {
	Operation string
	Detail    string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Detail)
}

// BindingValidationError means the platform rejected the custom hostname
// after the validation retries ran out.
type BindingValidationError struct {
	Hostname string
	Message  string
}

func (e BindingValidationError) Error() string {
	return fmt.Sprintf("custom hostname validation failed for %s: %s", e.Hostname, e.Message)
}
