package stream

import "unicode/utf8"

// tailBuffer keeps the most recent bytes of output in a fixed ring so the
// live status can show a window of a command like `yes` without growing.
type tailBuffer struct {
	buf  []byte
	size int
	head int // next write position
	full bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = 2048
	}
	return &tailBuffer{buf: make([]byte, size), size: size}
}

// Write never fails; older bytes are overwritten once the ring is full.
func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.size {
		copy(t.buf, p[n-t.size:])
		t.head = 0
		t.full = true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(t.buf[t.head:], p)
		p = p[c:]
		t.head += c
		if t.head == t.size {
			t.head = 0
			t.full = true
		}
	}
	return n, nil
}

func (t *tailBuffer) WriteString(s string) { t.Write([]byte(s)) }

func (t *tailBuffer) Len() int {
	if t.full {
		return t.size
	}
	return t.head
}

// Bytes returns the contents oldest first.
func (t *tailBuffer) Bytes() []byte {
	if !t.full {
		out := make([]byte, t.head)
		copy(out, t.buf[:t.head])
		return out
	}
	out := make([]byte, 0, t.size)
	out = append(out, t.buf[t.head:]...)
	return append(out, t.buf[:t.head]...)
}

// Last returns at most n trailing bytes, starting on a rune boundary.
func (t *tailBuffer) Last(n int) string {
	b := t.Bytes()
	if n < len(b) {
		b = b[len(b)-n:]
	}
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}
	return string(b)
}

func (t *tailBuffer) Reset() {
	t.head = 0
	t.full = false
}
