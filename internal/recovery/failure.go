package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"billsplit-agent/internal/domain"
)

// Kind is the closed failure taxonomy every error is reduced to.
type Kind string

const (
	Transient       Kind = "Transient"
	DegradedService Kind = "DegradedService"
	UserInputError  Kind = "UserInputError"
	Corrupt         Kind = "Corrupt"
	Fatal           Kind = "Fatal"
)

// ErrUnavailable marks a collaborator that is not configured or switched off.
var ErrUnavailable = errors.New("collaborator unavailable")

// Failure is a classified error.
type Failure struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.Op == "" {
		return fmt.Sprintf("recovery: %s: %s", f.Kind, msg)
	}
	return fmt.Sprintf("recovery: %s: %s: %s", f.Kind, f.Op, msg)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Record converts f into the persisted failure record.
func (f *Failure) Record(now time.Time) *domain.FailureRecord {
	if f == nil {
		return nil
	}
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.Op != "" {
		msg = f.Op + ": " + msg
	}
	return &domain.FailureRecord{Kind: string(f.Kind), Message: msg, At: now}
}

func NewFailure(kind Kind, op, message string) *Failure {
	return &Failure{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err unless kind is given explicitly.
func Wrap(kind Kind, op string, err error) *Failure {
	if err == nil {
		return nil
	}
	if kind == "" {
		kind = Classify(err)
	}
	return &Failure{Kind: kind, Op: op, Err: err}
}

// AsFailure returns err as a *Failure, classifying it when needed.
func AsFailure(op string, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return Wrap("", op, err)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Classify maps any error raised in the pipeline onto a failure kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Transient
	case errors.Is(err, context.Canceled):
		return Fatal
	case errors.Is(err, domain.ErrVersionConflict):
		return Transient
	case errors.Is(err, domain.ErrCorruptRecord):
		return Corrupt
	case errors.Is(err, ErrUnavailable):
		return DegradedService
	case errors.Is(err, domain.ErrInvalidAmount):
		return UserInputError
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return classifyCategory(rich)
	}

	var status httpStatusCoder
	if errors.As(err, &status) {
		return classifyStatus(status.HTTPStatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Fatal
}

func classifyCategory(rich *goerrors.Error) Kind {
	switch rich.Category {
	case goerrors.CategoryRateLimit, goerrors.CategoryConflict:
		return Transient
	case goerrors.CategoryExternal, goerrors.CategoryOperation:
		if rich.Code == 0 {
			return Transient
		}
		return classifyStatus(rich.Code)
	case goerrors.CategoryBadInput, goerrors.CategoryValidation, goerrors.CategoryNotFound:
		return UserInputError
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return DegradedService
	default:
		return Fatal
	}
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly,
		code == http.StatusTooManyRequests, code >= 500:
		return Transient
	case code == http.StatusBadRequest, code == http.StatusRequestEntityTooLarge,
		code == http.StatusUnsupportedMediaType, code == http.StatusUnprocessableEntity:
		return UserInputError
	case code >= 400:
		return DegradedService
	default:
		return Fatal
	}
}
