// Package llm wraps chat-completion models behind a structured-output
// contract. Every call yields a Result that is exactly one of Structured,
// RawText or Unavailable, and callers branch on all three.
package llm

import "errors"

// ErrUnavailable marks a model that is not configured or could not be reached.
var ErrUnavailable = errors.New("llm: unavailable")

// Kind discriminates Result.
type Kind int

const (
	KindUnavailable Kind = iota
	KindStructured
	KindRawText
)

func (k Kind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindRawText:
		return "raw_text"
	default:
		return "unavailable"
	}
}

// Result is the outcome of a structured LLM call. The zero value is
// Unavailable.
type Result[T any] struct {
	kind  Kind
	value T
	raw   string
	err   error
}

// Structured wraps a value that already satisfied the target schema.
func Structured[T any](v T) Result[T] {
	return Result[T]{kind: KindStructured, value: v}
}

// RawText wraps model output that did not parse as the target schema.
func RawText[T any](text string) Result[T] {
	return Result[T]{kind: KindRawText, raw: text}
}

// Unavailable records that no usable answer was produced.
func Unavailable[T any](err error) Result[T] {
	if err == nil {
		err = ErrUnavailable
	}
	return Result[T]{kind: KindUnavailable, err: err}
}

func (r Result[T]) Kind() Kind { return r.kind }

// Value returns the structured value when Kind is KindStructured.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.kind == KindStructured
}

// Raw returns the unparsed text when Kind is KindRawText.
func (r Result[T]) Raw() (string, bool) {
	return r.raw, r.kind == KindRawText
}

// Err returns the cause when Kind is KindUnavailable.
func (r Result[T]) Err() error {
	if r.kind != KindUnavailable {
		return nil
	}
	if r.err == nil {
		return ErrUnavailable
	}
	return r.err
}
