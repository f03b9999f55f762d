package history

import (
	"fmt"
	"time"

	"github.com/DrC0ns0le/netup/pkg/timestamp"
	"lukechampine.com/uint128"
)

// Status is the outcome of a probe as seen at some point in time.
type Status int

const (
	// Pending probes are unanswered but still within the maximum delay
	Pending Status = iota
	// Delivered probes were echoed within the maximum delay
	Delivered
	// Late probes were echoed after the maximum delay and count as lost
	Late
	// Lost probes were not echoed within the maximum delay
	Lost
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Late:
		return "late"
	case Lost:
		return "lost"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Counted reports whether the status is final.
func (s Status) Counted() bool {
	return s != Pending
}

// Classify evaluates r at now. Loss can only be decided by looking back, so a
// probe stays Pending until maxDelay has elapsed since it was sent.
func Classify(r Record, now uint128.Uint128, maxDelay time.Duration) Status {
	limit := uint64(maxDelay.Milliseconds())
	if rtt, ok := r.RTT(); ok {
		if rtt > limit {
			return Late
		}
		return Delivered
	}
	if timestamp.Since(now, r.SentTime) > limit {
		return Lost
	}
	return Pending
}

// Lost returns the records in [from, now] that are Lost or Late at now.
func (s *Store) Lost(from, now uint128.Uint128, maxDelay time.Duration) []Record {
	var lost []Record
	for _, r := range s.Range(from, now) {
		if st := Classify(r, now, maxDelay); st == Lost || st == Late {
			lost = append(lost, r)
		}
	}
	return lost
}

// Summary aggregates the probes sent in a window.
type Summary struct {
	From, To uint128.Uint128

	Total     int
	Pending   int
	Delivered int
	Late      int
	Lost      int

	// LossPercent is (Lost+Late) over all non-pending probes
	LossPercent float64
	// RTTs in milliseconds over delivered probes
	AvgRTT float64
	MinRTT uint64
	MaxRTT uint64
	// Jitter is the mean absolute deviation of delivered RTTs
	Jitter float64
}

func (s Summary) Count(st Status) int {
	switch st {
	case Pending:
		return s.Pending
	case Delivered:
		return s.Delivered
	case Late:
		return s.Late
	case Lost:
		return s.Lost
	}
	return 0
}

// Summarize classifies the probes sent within lookback of now.
func (s *Store) Summarize(now uint128.Uint128, lookback, maxDelay time.Duration) Summary {
	from := timestamp.Sub(now, lookback)
	return Summarize(s.Range(from, now), from, now, maxDelay)
}

// Summarize classifies records at to.
func Summarize(records []Record, from, to uint128.Uint128, maxDelay time.Duration) Summary {
	sum := Summary{From: from, To: to, Total: len(records)}

	rtts := make([]uint64, 0, len(records))
	for _, r := range records {
		switch Classify(r, to, maxDelay) {
		case Pending:
			sum.Pending++
		case Delivered:
			sum.Delivered++
			rtt, _ := r.RTT()
			rtts = append(rtts, rtt)
		case Late:
			sum.Late++
		case Lost:
			sum.Lost++
		}
	}

	if settled := sum.Total - sum.Pending; settled > 0 {
		sum.LossPercent = float64(sum.Lost+sum.Late) / float64(settled) * 100
	}
	if len(rtts) == 0 {
		return sum
	}

	var total uint64
	sum.MinRTT = rtts[0]
	for _, rtt := range rtts {
		total += rtt
		if rtt < sum.MinRTT {
			sum.MinRTT = rtt
		}
		if rtt > sum.MaxRTT {
			sum.MaxRTT = rtt
		}
	}
	sum.AvgRTT = float64(total) / float64(len(rtts))

	var deviation float64
	for _, rtt := range rtts {
		d := float64(rtt) - sum.AvgRTT
		if d < 0 {
			d = -d
		}
		deviation += d
	}
	sum.Jitter = deviation / float64(len(rtts))

	return sum
}
