package execution

import "unicode"

// Injector hands out pre-supplied input one word per tick, the way a person
// would type it.
type Injector struct {
	input  []rune
	offset int
	done   bool
}

// NewInjector prepares input for delivery.
func NewInjector(input string) *Injector {
	return &Injector{input: []rune(input)}
}

// Next returns the text to write on this tick. A word is every character
// from the current offset up to and including the first whitespace
// character. Once the input is exhausted the next tick yields a single
// newline and the injector reports done.
func (in *Injector) Next() (string, bool) {
	if in.done {
		return "", true
	}
	if in.offset >= len(in.input) {
		in.done = true
		return "\n", true
	}

	start := in.offset
	for in.offset < len(in.input) {
		r := in.input[in.offset]
		in.offset++
		if unicode.IsSpace(r) {
			break
		}
	}
	return string(in.input[start:in.offset]), false
}

// Done reports whether the trailing newline has been handed out.
func (in *Injector) Done() bool { return in.done }
