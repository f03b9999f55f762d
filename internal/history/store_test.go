package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

func ms(v uint64) uint128.Uint128 {
	return uint128.From64(v)
}

// sample holds records at sent times 1, 3 and 5 with indices 1, 2 and 3.
func sample() *Store {
	s := NewStore()
	s.InsertSent(Record{Index: 1, SentTime: ms(1)})
	s.InsertSent(Record{Index: 2, SentTime: ms(3)})
	s.InsertSent(Record{Index: 3, SentTime: ms(5)})
	return s
}

func TestFindModes(t *testing.T) {
	s := sample()

	pos, ok := s.Find(ms(4), Ceiling)
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	pos, ok = s.Find(ms(4), Floor)
	assert.True(t, ok)
	assert.Equal(t, 1, pos)

	pos, ok = s.Find(ms(3), Exact)
	assert.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestFindBoundaries(t *testing.T) {
	s := sample()

	_, ok := s.Find(ms(0), Floor)
	assert.False(t, ok, "no record at or before 0")

	pos, ok := s.Find(ms(5), Floor)
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	pos, _ = s.Find(ms(5), Ceiling)
	assert.Equal(t, s.Len(), pos, "nothing after the last record")

	pos, _ = s.Find(ms(0), Ceiling)
	assert.Equal(t, 0, pos)

	_, ok = s.Find(ms(4), Exact)
	assert.False(t, ok)

	empty := NewStore()
	_, ok = empty.Find(ms(4), Floor)
	assert.False(t, ok)
	pos, _ = empty.Find(ms(4), Ceiling)
	assert.Equal(t, 0, pos)
	_, ok = empty.Find(ms(4), Exact)
	assert.False(t, ok)
}

func TestFindExactEveryKey(t *testing.T) {
	s := NewStore()
	for i := uint64(0); i < 500; i++ {
		s.InsertSent(Record{Index: i, SentTime: ms(1000 + i*10)})
	}

	for i := uint64(0); i < 500; i++ {
		pos, ok := s.Find(ms(1000+i*10), Exact)
		require.True(t, ok)
		assert.Equal(t, int(i), pos)
		assert.Equal(t, i, s.At(pos).Index)

		_, ok = s.Find(ms(1000+i*10+5), Exact)
		assert.False(t, ok)
	}
}

func TestRange(t *testing.T) {
	s := sample()

	got := s.Range(ms(2), ms(4))
	require.Len(t, got, 1)
	assert.Equal(t, ms(3), got[0].SentTime)

	assert.Len(t, s.Range(ms(1), ms(5)), 3, "bounds are inclusive")
	assert.Len(t, s.Range(ms(0), ms(100)), 3)
	assert.Empty(t, s.Range(ms(6), ms(9)))
	assert.Empty(t, s.Range(ms(4), ms(2)))
	assert.Len(t, s.Range(ms(3), ms(3)), 1)
}

func TestInsertOutOfOrderPanics(t *testing.T) {
	s := sample()

	assert.Panics(t, func() { s.InsertSent(Record{Index: 4, SentTime: ms(5)}) }, "duplicate key")
	assert.Panics(t, func() { s.InsertSent(Record{Index: 4, SentTime: ms(2)}) }, "older key")
	assert.NotPanics(t, func() { s.InsertSent(Record{Index: 4, SentTime: ms(6)}) })
}

func TestMarkReceived(t *testing.T) {
	s := sample()

	assert.True(t, s.MarkReceived(2, ms(10)))
	rec := s.At(1)
	require.True(t, rec.Received())
	assert.Equal(t, ms(10), *rec.ReceivedTime)
	rtt, ok := rec.RTT()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), rtt)

	assert.False(t, s.MarkReceived(2, ms(20)), "only the first echo counts")
	assert.Equal(t, ms(10), *s.At(1).ReceivedTime)

	assert.False(t, s.MarkReceived(99, ms(20)), "unknown index is a no-op")
	assert.False(t, s.At(0).Received())
	assert.False(t, s.At(2).Received())
}

func TestReset(t *testing.T) {
	s := sample()
	s.Reset()

	assert.Equal(t, 0, s.Len())
	assert.False(t, s.MarkReceived(1, ms(2)))
	assert.NotPanics(t, func() { s.InsertSent(Record{Index: 0, SentTime: ms(1)}) })
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "exact", Exact.String())
	assert.Equal(t, "floor", Floor.String())
	assert.Equal(t, "ceiling", Ceiling.String())
}
