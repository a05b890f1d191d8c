// Package errx composes sentinel errors with causes and context so callers
// can match categories with errors.Is while keeping the full chain.
package errx

import "fmt"

// Wrap attaches cause to sentinel. The result matches both via errors.Is.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With appends formatted context to sentinel. The format string is emitted
// verbatim after the sentinel message, so it usually starts with ": " or " ".
// %w verbs in format work as with fmt.Errorf.
func With(sentinel error, format string, args ...any) error {
	fmtArgs := make([]any, 0, len(args)+1)
	fmtArgs = append(fmtArgs, sentinel)
	fmtArgs = append(fmtArgs, args...)
	return fmt.Errorf("%w"+format, fmtArgs...)
}
