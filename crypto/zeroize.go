package crypto

// Zeroize overwrites the buffer with zeros. The loop is kept trivial so the
// compiler does not elide it behind a dead-store optimisation.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WithZeroizedBuffer hands a private copy of src to fn and guarantees the
// copy is wiped on every exit path, including panics raised by fn.
func WithZeroizedBuffer(src []byte, fn func([]byte) error) error {
	buf := make([]byte, len(src))
	copy(buf, src)
	defer Zeroize(buf)
	return fn(buf)
}
