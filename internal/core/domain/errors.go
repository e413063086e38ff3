package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindInvalidState      ErrorKind = "INVALID_STATE"
	KindInvalidTransition ErrorKind = "INVALID_TRANSITION"
	KindGateway           ErrorKind = "GATEWAY"
	KindConflict          ErrorKind = "CONFLICT"
)

// Sentinels matched with errors.Is against any *Error of the same kind.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrGateway           = errors.New("gateway error")
	ErrConflict          = errors.New("concurrent update conflict")
)

// Error carries enough detail for a caller to explain a failure to staff
// without re-reading the document: the kind, the offending entity and id,
// and the state the entity was in.
type Error struct {
	Kind   ErrorKind
	Entity string
	ID     string
	State  string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Entity != "" {
		b.WriteString(": ")
		b.WriteString(e.Entity)
		if e.ID != "" {
			b.WriteString(" ")
			b.WriteString(e.ID)
		}
	}
	if e.State != "" {
		fmt.Fprintf(&b, " (state %s)", e.State)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindInvalidState:
		return ErrInvalidState
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindGateway:
		return ErrGateway
	default:
		return ErrConflict
	}
}

func NewValidationError(entity, id, msg string) *Error {
	return &Error{Kind: KindValidation, Entity: entity, ID: id, Msg: msg}
}

func NewNotFoundError(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

func NewInvalidStateError(entity, id, state, msg string) *Error {
	return &Error{Kind: KindInvalidState, Entity: entity, ID: id, State: state, Msg: msg}
}

func NewInvalidTransitionError(entity, id, from, to string) *Error {
	return &Error{
		Kind:   KindInvalidTransition,
		Entity: entity,
		ID:     id,
		State:  from,
		Msg:    fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

func NewGatewayError(msg string, err error) *Error {
	return &Error{Kind: KindGateway, Entity: "payment_gateway", Msg: msg, Err: err}
}

func NewConflictError(entity, id string, err error) *Error {
	return &Error{Kind: KindConflict, Entity: entity, ID: id, Msg: "too many concurrent updates", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
