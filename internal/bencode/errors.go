package bencode

import "fmt"

// ErrUnexpectedKind is returned when a value of one kind was required
// but another was found while walking the decoded tree.
type ErrUnexpectedKind struct {
	Got      Kind
	Expected Kind
}

func (e *ErrUnexpectedKind) Error() string {
	got := "none"
	if e.Got >= 0 {
		got = e.Got.String()
	}
	return fmt.Sprintf("bencode: unexpected value kind %s, expected %s", got, e.Expected)
}

func newUnexpected(got, expected Kind) error {
	return &ErrUnexpectedKind{Got: got, Expected: expected}
}

// ErrOverflowInteger is returned when a decoded integer does not fit in
// an int64.
type ErrOverflowInteger struct {
	Literal string
}

func (e *ErrOverflowInteger) Error() string {
	return fmt.Sprintf("bencode: integer overflow decoding %q", e.Literal)
}

// ErrDepthExceeded is returned when nested lists/dicts exceed the
// decoder's configured depth limit.
type ErrDepthExceeded struct {
	Limit int
}

func (e *ErrDepthExceeded) Error() string {
	return fmt.Sprintf("bencode: recursion depth exceeded limit of %d", e.Limit)
}

// ErrTrailingBytes is returned when Decode consumes a complete value but
// bytes remain in the input and the caller asked for strict decoding.
type ErrTrailingBytes struct {
	Remaining int
}

func (e *ErrTrailingBytes) Error() string {
	return fmt.Sprintf("bencode: %d trailing bytes after value", e.Remaining)
}

// ErrTruncated is returned when the input ends before a complete value
// could be parsed.
type ErrTruncated struct {
	Pos int
}

func (e *ErrTruncated) Error() string {
	return fmt.Sprintf("bencode: truncated input at offset %d", e.Pos)
}
