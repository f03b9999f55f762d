// Package history keeps the send/receive record of every probe ordered by send
// time, answers point and range queries over it and exports it incrementally.
//
// A Store is not safe for concurrent use.
package history

import (
	"fmt"
	"sort"

	"github.com/DrC0ns0le/netup/pkg/timestamp"
	"lukechampine.com/uint128"
)

// Record is the tracked state of one probe.
type Record struct {
	Index    uint64
	SentTime uint128.Uint128
	// ReceivedTime is nil until the echo arrives
	ReceivedTime *uint128.Uint128
}

// Received reports whether the echo has arrived.
func (r Record) Received() bool {
	return r.ReceivedTime != nil
}

// RTT returns the round-trip time in milliseconds, or false if not received.
func (r Record) RTT() (uint64, bool) {
	if r.ReceivedTime == nil {
		return 0, false
	}
	return timestamp.Since(*r.ReceivedTime, r.SentTime), true
}

// Mode selects how Find matches a target time.
type Mode int

const (
	// Exact matches the record sent at the target time
	Exact Mode = iota
	// Floor matches the last record sent at or before the target time
	Floor
	// Ceiling matches the first record sent after the target time
	Ceiling
)

func (m Mode) String() string {
	switch m {
	case Exact:
		return "exact"
	case Floor:
		return "floor"
	case Ceiling:
		return "ceiling"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Store holds records in strictly ascending SentTime order.
type Store struct {
	records []Record
	// byIndex maps a probe index to its send time
	byIndex map[uint64]uint128.Uint128

	watermark uint128.Uint128
	exported  bool
}

func NewStore() *Store {
	return &Store{byIndex: make(map[uint64]uint128.Uint128)}
}

func (s *Store) Len() int {
	return len(s.records)
}

// At returns the record at position i.
func (s *Store) At(i int) Record {
	return s.records[i]
}

// InsertSent appends a record. It panics unless r.SentTime is strictly
// greater than every stored send time: the store relies on a single producer
// issuing probes at increasing clock ticks.
func (s *Store) InsertSent(r Record) {
	if n := len(s.records); n > 0 && s.records[n-1].SentTime.Cmp(r.SentTime) >= 0 {
		panic(fmt.Sprintf("history: out of order insert: index %d sent at %s, last sent at %s",
			r.Index, r.SentTime, s.records[n-1].SentTime))
	}
	if s.exported && s.watermark.Cmp(r.SentTime) >= 0 {
		panic(fmt.Sprintf("history: insert of index %d at %s is behind export watermark %s",
			r.Index, r.SentTime, s.watermark))
	}
	s.records = append(s.records, r)
	s.byIndex[r.Index] = r.SentTime
}

// MarkReceived records the echo of index. Unknown indices, compacted records
// and records that already have a receive time are left untouched.
func (s *Store) MarkReceived(index uint64, receivedTime uint128.Uint128) bool {
	sentTime, ok := s.byIndex[index]
	if !ok {
		return false
	}
	pos, ok := s.Find(sentTime, Exact)
	if !ok || s.records[pos].Index != index || s.records[pos].ReceivedTime != nil {
		return false
	}
	t := receivedTime
	s.records[pos].ReceivedTime = &t
	return true
}

// Find locates target using mode.
//
// Exact returns the position of the record sent at target.
// Floor returns the position of the last record sent at or before target; if
// every record is newer, or the store is empty, it returns (0, false).
// Ceiling returns the position of the first record sent after target, or Len()
// when there is none; it always reports true.
func (s *Store) Find(target uint128.Uint128, mode Mode) (int, bool) {
	switch mode {
	case Exact:
		i := s.lowerBound(target)
		if i < len(s.records) && s.records[i].SentTime == target {
			return i, true
		}
		return 0, false
	case Floor:
		i := s.upperBound(target)
		if i == 0 {
			return 0, false
		}
		return i - 1, true
	case Ceiling:
		return s.upperBound(target), true
	}
	panic(fmt.Sprintf("history: unknown find mode %s", mode))
}

// lowerBound returns the first position whose send time is >= target.
func (s *Store) lowerBound(target uint128.Uint128) int {
	return sort.Search(len(s.records), func(i int) bool {
		return s.records[i].SentTime.Cmp(target) >= 0
	})
}

// upperBound returns the first position whose send time is > target.
func (s *Store) upperBound(target uint128.Uint128) int {
	return sort.Search(len(s.records), func(i int) bool {
		return target.Cmp(s.records[i].SentTime) < 0
	})
}

// Range returns the records sent within [lower, upper]. The slice aliases the
// store and is only valid until the next mutating call.
func (s *Store) Range(lower, upper uint128.Uint128) []Record {
	if upper.Cmp(lower) < 0 {
		return nil
	}
	from := s.lowerBound(lower)
	to, _ := s.Find(upper, Ceiling)
	return s.records[from:to:to]
}

// Watermark returns the send time of the last exported record and whether
// anything has been exported yet.
func (s *Store) Watermark() (uint128.Uint128, bool) {
	return s.watermark, s.exported
}

// Compact drops exported records sent before the given time.
func (s *Store) Compact(before uint128.Uint128) int {
	if !s.exported {
		return 0
	}
	cut := s.lowerBound(before)
	if exp := s.upperBound(s.watermark); exp < cut {
		cut = exp
	}
	if cut == 0 {
		return 0
	}

	for _, r := range s.records[:cut] {
		delete(s.byIndex, r.Index)
	}
	kept := make([]Record, len(s.records)-cut)
	copy(kept, s.records[cut:])
	s.records = kept
	return cut
}

// Reset empties the store and forgets the export watermark.
func (s *Store) Reset() {
	s.records = nil
	s.byIndex = make(map[uint64]uint128.Uint128)
	s.watermark = uint128.Uint128{}
	s.exported = false
}
