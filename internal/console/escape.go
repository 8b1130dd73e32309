package console

// DetachByte (Ctrl-]) detaches from the terminal wherever it appears.
const DetachByte = 0x1d

// Action is what the caller should do after filtering a chunk of input.
type Action int

const (
	ActionSend   Action = iota // forward the filtered bytes
	ActionDetach               // user asked to detach
)

type escapeState uint8

const (
	midLine escapeState = iota
	lineStart
	sawTilde // "~" at line start, not yet forwarded
)

// Escaper recognises the detach sequences in keyboard input: Ctrl-] anywhere,
// or "~." at the start of a line. "~~" at line start sends one "~".
type Escaper struct {
	state escapeState
}

// NewEscaper starts at line start, so "~." works as the first input.
func NewEscaper() *Escaper {
	return &Escaper{state: lineStart}
}

// Filter copies input to dst minus escape bytes and returns the count
// written. dst needs len(input)+1 bytes: a tilde held back by the previous
// call may be released here. On ActionDetach the bytes before the sequence
// are still in dst[:n].
func (e *Escaper) Filter(input, dst []byte) (n int, act Action) {
	put := func(b byte) {
		dst[n] = b
		n++
	}
	for _, b := range input {
		if b == DetachByte {
			return n, ActionDetach
		}
		newline := b == '\r' || b == '\n'

		switch e.state {
		case sawTilde:
			if b == '.' {
				return n, ActionDetach
			}
			put('~')
			if b == '~' {
				e.state = midLine
				continue
			}
		case lineStart:
			if b == '~' {
				e.state = sawTilde
				continue
			}
		}

		put(b)
		if newline {
			e.state = lineStart
		} else {
			e.state = midLine
		}
	}
	return n, ActionSend
}

// Reset forgets any held tilde and returns to line start.
func (e *Escaper) Reset() {
	e.state = lineStart
}
