package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTailBuffer_Basic(t *testing.T) {
	tb := newTailBuffer(10)
	tb.WriteString("hello")
	assert.Equal(t, "hello", string(tb.Bytes()))
	assert.Equal(t, 5, tb.Len())
}

func TestTailBuffer_Wraparound(t *testing.T) {
	tb := newTailBuffer(10)
	tb.WriteString("12345")
	tb.WriteString("67890")
	tb.WriteString("ABC")

	assert.Equal(t, "4567890ABC", string(tb.Bytes()))
	assert.Equal(t, 10, tb.Len())
}

func TestTailBuffer_LargeWrite(t *testing.T) {
	tb := newTailBuffer(4)
	tb.WriteString("abcdefgh")
	assert.Equal(t, "efgh", string(tb.Bytes()))
}

func TestTailBuffer_Last(t *testing.T) {
	tb := newTailBuffer(32)
	tb.WriteString("ab€cd")
	assert.Equal(t, "cd", tb.Last(2))
	// A cut inside the euro sign skips to the next rune start.
	assert.Equal(t, "cd", tb.Last(3))
	assert.Equal(t, "€cd", tb.Last(5))
	assert.Equal(t, "ab€cd", tb.Last(100))
}

func TestTailBuffer_Reset(t *testing.T) {
	tb := newTailBuffer(4)
	tb.WriteString("abcdef")
	tb.Reset()
	assert.Zero(t, tb.Len())
	assert.Empty(t, tb.Bytes())
}
