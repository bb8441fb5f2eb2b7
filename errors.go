package kvlayer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("kvlayer: not found")
	ErrIO               = errors.New("kvlayer: io failure")
	ErrIllegalArgument  = errors.New("kvlayer: illegal argument")
	ErrCapacityExceeded = errors.New("kvlayer: capacity exceeded")

	// ErrSizeNotInitialized: the aggregate size was never computed.
	ErrSizeNotInitialized = errors.New("kvlayer: store size not initialized")
	// ErrSizeUnknown: the aggregate size could not be determined.
	ErrSizeUnknown = errors.New("kvlayer: store size unknown")

	// construction-time misconfiguration
	ErrInvalidCache = errors.New("kvlayer: store must not be used as a cache")
	ErrTypeMismatch = errors.New("kvlayer: primary and cache hold different data types")
	ErrAlreadySized = errors.New("kvlayer: size accounting already applied")
	ErrNotSizeable  = errors.New("kvlayer: capacity bound requires size accounting beneath it")
)

type NotFoundError struct {
	Store string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %q not found", e.Store, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a *NotFoundError.
func NotFound(store, id string) error { return &NotFoundError{Store: store, ID: id} }

// IOError wraps a backend I/O failure with the failing operation, path and id.
type IOError struct {
	Op   string
	Path string
	ID   string
	Err  error
}

func (e *IOError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.ID != "" {
		fmt.Fprintf(&b, " %q", e.ID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *IOError) Unwrap() error       { return e.Err }
func (e *IOError) Is(target error) bool { return target == ErrIO }

type IllegalArgumentError struct {
	Reason string
}

func (e *IllegalArgumentError) Error() string  { return "illegal argument: " + e.Reason }
func (e *IllegalArgumentError) Is(t error) bool { return t == ErrIllegalArgument }

// IllegalArgument builds an *IllegalArgumentError.
func IllegalArgument(format string, args ...any) error {
	return &IllegalArgumentError{Reason: fmt.Sprintf(format, args...)}
}

// CheckID fails fast on blank ids.
func CheckID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &IllegalArgumentError{Reason: "id must not be blank"}
	}
	return nil
}

type CapacityExceededError struct {
	ID        string
	Capacity  int64
	Projected int64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded writing %q: projected %d > capacity %d bytes",
		e.ID, e.Projected, e.Capacity)
}

func (e *CapacityExceededError) Is(t error) bool { return t == ErrCapacityExceeded }

// IDError pairs a failure with the id it happened on.
type IDError struct {
	ID  string
	Err error
}

// CompositeError aggregates the independent failures of one batch operation.
type CompositeError struct {
	Op       string
	Failures []IDError
}

func (e *CompositeError) Error() string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.ID
	}
	if len(e.Failures) == 1 {
		return fmt.Sprintf("%s: 1 failure [%s]: %v", e.Op, ids[0], e.Failures[0].Err)
	}
	return fmt.Sprintf("%s: %d failures [%s]", e.Op, len(e.Failures), strings.Join(ids, ", "))
}

func (e *CompositeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// FailedIDs returns the ids in failure order.
func (e *CompositeError) FailedIDs() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.ID
	}
	return out
}

// SizeError reports why an aggregate size is unavailable. Kind is
// ErrSizeUnknown or ErrSizeNotInitialized; Err is the underlying cause, if any.
type SizeError struct {
	Store string
	Kind  error
	Err   error
}

func (e *SizeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Store, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Store, e.Kind)
}

func (e *SizeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
