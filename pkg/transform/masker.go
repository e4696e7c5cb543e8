package transform

import (
	"crypto/sha256"
	"unicode"
)

// Masker hides the value of a sensitive field
type Masker interface {
	Mask(field, value string) string
}

// MaskFunc adapts a function to the Masker interface
type MaskFunc func(field, value string) string

// Mask implements Masker
func (f MaskFunc) Mask(field, value string) string {
	return f(field, value)
}

// FormatMasker replaces letters and digits with pseudo-random characters of
// the same class, keeping length, case and punctuation. Equal inputs give
// equal outputs for the same salt.
type FormatMasker struct {
	Salt string
}

// Mask implements Masker
func (m FormatMasker) Mask(field, value string) string {
	stream := newByteStream(m.Salt + "\x00" + field + "\x00" + value)
	out := []rune(value)
	for i, r := range out {
		switch {
		case unicode.IsDigit(r):
			out[i] = rune('0' + stream.next()%10)
		case unicode.IsUpper(r):
			out[i] = rune('A' + stream.next()%26)
		case unicode.IsLetter(r):
			out[i] = rune('a' + stream.next()%26)
		}
	}
	return string(out)
}

type byteStream struct {
	block [sha256.Size]byte
	pos   int
}

func newByteStream(seed string) *byteStream {
	return &byteStream{block: sha256.Sum256([]byte(seed))}
}

func (s *byteStream) next() byte {
	if s.pos == len(s.block) {
		s.block = sha256.Sum256(s.block[:])
		s.pos = 0
	}
	b := s.block[s.pos]
	s.pos++
	return b
}
