package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendAndSkip(t *testing.T) {
	b := NewBuffer()
	require.Equal(t, 0, b.Len())

	b.Append([]byte("hello"))
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, []byte("hello"), b.Bytes())

	b.Skip(2)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []byte("llo"), b.Bytes())

	b.Append([]byte("world"))
	assert.Equal(t, []byte("lloworld"), b.Bytes())
}

func TestBuffer_SkipPastEndResets(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abc"))

	b.Skip(100)
	assert.Equal(t, 0, b.Len())

	b.Append([]byte("xyz"))
	assert.Equal(t, []byte("xyz"), b.Bytes())
}

func TestBuffer_ReserveCompactsBeforeGrowing(t *testing.T) {
	b := NewBuffer()
	b.Append(make([]byte, initialBufferSize))
	b.Skip(initialBufferSize - 4)

	capBefore := b.Cap()
	b.Reserve(initialBufferSize - 4)

	assert.Equal(t, capBefore, b.Cap(), "compaction should avoid growth when there's room")
	assert.Equal(t, 4, b.Len())
}

func TestBuffer_ReserveGrowsWhenNecessary(t *testing.T) {
	b := NewBuffer()
	b.Append(make([]byte, initialBufferSize))

	b.Reserve(initialBufferSize * 2)
	assert.GreaterOrEqual(t, b.Cap(), initialBufferSize*3)
}

func TestBuffer_ReinitOnlyShrinksWhenEmptyAndOversized(t *testing.T) {
	b := NewBuffer()
	b.Append(make([]byte, shrinkThreshold+1))

	b.Reinit()
	assert.Greater(t, b.Cap(), shrinkThreshold, "must not shrink while data is unread")

	b.Skip(b.Len())
	b.Reinit()
	assert.Equal(t, initialBufferSize, b.Cap())
}

func TestBuffer_NeverDropsDataAcrossAppends(t *testing.T) {
	b := NewBuffer()

	var want []byte
	for i := range 50 {
		chunk := make([]byte, i+1)
		for j := range chunk {
			chunk[j] = byte(i)
		}

		b.Append(chunk)
		want = append(want, chunk...)
	}

	assert.Equal(t, want, b.Bytes())
}
