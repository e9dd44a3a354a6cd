package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/sashabaranov/go-openai"
)

// Kind tags why a completion request failed.
type Kind int

const (
	KindPermanent Kind = iota
	KindServerOverload
	KindRateLimited
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindServerOverload:
		return "server_overload"
	case KindRateLimited:
		return "rate_limited"
	case KindConnection:
		return "connection"
	default:
		return "permanent"
	}
}

// Transient reports whether a request failing with this kind may succeed if repeated.
func (k Kind) Transient() bool {
	return k != KindPermanent
}

// Category is the short label used in retry progress messages.
func (k Kind) Category() string {
	if k == KindConnection {
		return "connection error"
	}
	return "503/429"
}

// Failure is the error returned by a Transport.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient is a shorthand for f.Kind.Transient().
func (f *Failure) Transient() bool { return f.Kind.Transient() }

// ErrNoChoices is returned when the endpoint answers without any choice.
var ErrNoChoices = errors.New("completion response contained no choices")

// Classify wraps err in a *Failure. Errors that already are a *Failure are
// returned unchanged; nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Kind: kindOf(err), Err: err}
}

// KindOf returns the kind of err, treating anything that is not a *Failure as permanent.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindPermanent
}

func kindOf(err error) Kind {
	// Cancellation travels inside *url.Error too, so it must win over the
	// connection checks below.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return kindOfStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return kindOfStatus(reqErr.HTTPStatusCode)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindConnection
	}
	return KindPermanent
}

func kindOfStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= http.StatusInternalServerError:
		return KindServerOverload
	default:
		return KindPermanent
	}
}
