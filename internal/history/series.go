package history

import (
	"encoding/binary"
	"time"

	"github.com/DrC0ns0le/netup/pkg/timestamp"
	"github.com/cespare/xxhash"
	"lukechampine.com/uint128"
)

const (
	// LostY is where lost probes are drawn on the delay axis
	LostY = -2.0

	delayJitter = 0.3
	lostJitter  = 1.0
)

// Point is one plotted probe: X is the send time and Y the delay, both in
// milliseconds.
type Point struct {
	Index uint64  `json:"index"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Series returns plot points for the probes sent within lookback of now.
// Received probes are placed at their RTT. Lost and late ones are also
// placed at LostY.
// Each point is offset by a small amount derived from its index so that
// overlapping probes stay distinguishable and redraws are stable.
func (s *Store) Series(now uint128.Uint128, lookback, maxDelay time.Duration) (delays, lost []Point) {
	from := timestamp.Sub(now, lookback)
	for _, r := range s.Range(from, now) {
		x := float64(r.SentTime.Lo)
		switch Classify(r, now, maxDelay) {
		case Delivered:
			delays = append(delays, delayPoint(r, x))
		case Late:
			delays = append(delays, delayPoint(r, x))
			lost = append(lost, jitter(r.Index, x, LostY, lostJitter))
		case Lost:
			lost = append(lost, jitter(r.Index, x, LostY, lostJitter))
		}
	}
	return delays, lost
}

func delayPoint(r Record, x float64) Point {
	rtt, _ := r.RTT()
	return jitter(r.Index, x, float64(rtt), delayJitter)
}

func jitter(index uint64, x, y, strength float64) Point {
	var buf [9]byte
	binary.LittleEndian.PutUint64(buf[:8], index)

	hx := xxhash.Sum64(buf[:])
	buf[8] = 1
	hy := xxhash.Sum64(buf[:])

	return Point{
		Index: index,
		X:     x + offset(hx, strength),
		Y:     y + offset(hy, strength),
	}
}

// offset maps h uniformly onto [-strength, strength).
func offset(h uint64, strength float64) float64 {
	return (float64(h)/(1<<64)*2 - 1) * strength
}
