package echo

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/DrC0ns0le/netup/internal/events"
	"github.com/DrC0ns0le/netup/pkg/logging"
	"github.com/DrC0ns0le/netup/pkg/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) count(kind events.Kind) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, remote string, rec events.Publisher, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := ClientConfig{
		RemoteAddr: remote,
		LocalAddr:  "127.0.0.1:0",
		Interval:   5 * time.Millisecond,
		Events:     rec,
		Logger:     logging.NewNopLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func runFor(t *testing.T, c *Client, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, c.Run(ctx))
}

func TestClientRoundTrip(t *testing.T) {
	s := startServer(t, EchoSource)
	rec := &recorder{}
	c := newTestClient(t, s.Addr().String(), rec, nil)

	runFor(t, c, 300*time.Millisecond)

	evs := rec.snapshot()
	require.NotEmpty(t, evs)
	assert.Greater(t, rec.count(events.Sent), 10)
	assert.Greater(t, rec.count(events.Received), 0)

	sent := map[uint64]uint128.Uint128{}
	var lastIndex uint64
	var lastTime uint128.Uint128
	for _, e := range evs {
		switch e.Kind {
		case events.Sent:
			if len(sent) > 0 {
				assert.Equal(t, lastIndex+1, e.Index, "indices increase by one")
				assert.True(t, lastTime.Cmp(e.Time) < 0, "send times strictly increase")
			} else {
				assert.Equal(t, uint64(0), e.Index)
			}
			sent[e.Index] = e.Time
			lastIndex, lastTime = e.Index, e.Time
		case events.Received:
			st, ok := sent[e.Index]
			require.True(t, ok, "received %d before it was sent", e.Index)
			assert.True(t, e.Time.Cmp(st) >= 0)
		}
	}
}

func TestClientSplitReceive(t *testing.T) {
	s := startServer(t, EchoReturnPort)
	rec := &recorder{}
	c := newTestClient(t, s.Addr().String(), rec, func(cfg *ClientConfig) {
		cfg.SplitReceive = true
	})
	assert.NotEqual(t, c.LocalAddr().Port, c.ReceiveAddr().Port)

	runFor(t, c, 300*time.Millisecond)

	assert.Greater(t, rec.count(events.Sent), 10)
	assert.Greater(t, rec.count(events.Received), 0)
}

func TestClientDropsInvalidEchoes(t *testing.T) {
	// a peer that answers each probe with garbage, a forged hash and finally
	// the genuine echo
	peer := loopbackConn(t)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, from, err := peer.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg, err := Decode(buf[:n])
			if err != nil {
				continue
			}
			forged := msg
			forged.Hash = forged.Hash.AddWrap64(1)

			peer.WriteToUDP([]byte("not a probe"), from)
			peer.WriteToUDP(Encode(forged), from)
			peer.WriteToUDP(buf[:n], from)
		}
	}()

	rec := &recorder{}
	c := newTestClient(t, peer.LocalAddr().String(), rec, func(cfg *ClientConfig) {
		cfg.Interval = 20 * time.Millisecond
	})
	runFor(t, c, 200*time.Millisecond)

	sent := rec.count(events.Sent)
	received := rec.count(events.Received)
	require.Greater(t, received, 0)
	assert.LessOrEqual(t, received, sent, "only genuine echoes produce events")
}

func TestClientSendSchedule(t *testing.T) {
	sink := loopbackConn(t)
	rec := &recorder{}
	c := newTestClient(t, sink.LocalAddr().String(), rec, func(cfg *ClientConfig) {
		cfg.Interval = 10 * time.Millisecond
	})

	start := time.UnixMilli(1_700_000_000_000)
	c.nextSend = start

	c.send(start)
	c.send(start) // same clock tick, catching up

	assert.Equal(t, uint64(2), c.nextIndex)
	assert.Equal(t, start.Add(20*time.Millisecond), c.nextSend)

	evs := rec.snapshot()
	require.Len(t, evs, 2)
	assert.Equal(t, events.NewSent(0, timestamp.FromTime(start)), evs[0])
	assert.Equal(t, events.NewSent(1, timestamp.FromTime(start).Add64(1)), evs[1], "send time is bumped to stay unique")
}

func TestClientHandle(t *testing.T) {
	sink := loopbackConn(t)
	rec := &recorder{}
	c := newTestClient(t, sink.LocalAddr().String(), rec, nil)

	now := time.UnixMilli(1_700_000_000_250)
	msg := Build(7, uint128.From64(1_700_000_000_000))

	c.handle(Encode(msg), now)
	c.handle(Encode(msg)[:20], now)
	bad := msg
	bad.Index = 8
	c.handle(Encode(bad), now)

	assert.Equal(t, []events.Event{events.NewReceived(7, uint128.From64(1_700_000_000_250))}, rec.snapshot())
}

func TestClientStopsOnCancel(t *testing.T) {
	sink := loopbackConn(t)
	c := newTestClient(t, sink.LocalAddr().String(), nil, func(cfg *ClientConfig) {
		cfg.Interval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestNewClientErrors(t *testing.T) {
	_, err := NewClient(ClientConfig{Logger: logging.NewNopLogger()})
	assert.Error(t, err, "remote required")

	_, err = NewClient(ClientConfig{RemoteAddr: "127.0.0.1:1", Interval: -time.Second, Logger: logging.NewNopLogger()})
	assert.Error(t, err, "negative interval")

	taken := loopbackConn(t)
	_, err = NewClient(ClientConfig{
		RemoteAddr: "127.0.0.1:1",
		LocalAddr:  taken.LocalAddr().String(),
		Logger:     logging.NewNopLogger(),
	})
	assert.Error(t, err, "explicit address in use is fatal")
}

func TestClientPortScanDefault(t *testing.T) {
	c := newTestClient(t, "127.0.0.1:9", nil, func(cfg *ClientConfig) {
		cfg.LocalAddr = ""
		cfg.BindIP = net.IPv4(127, 0, 0, 1)
	})
	port := c.LocalAddr().Port
	assert.GreaterOrEqual(t, port, DefaultPortRangeStart)
	assert.LessOrEqual(t, port, DefaultPortRangeEnd)
}
