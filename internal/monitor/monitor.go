// Package monitor consumes probe events into a history store, exports settled
// records to CSV and publishes a rolling loss/latency summary.
package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/DrC0ns0le/netup/internal/events"
	"github.com/DrC0ns0le/netup/internal/history"
	"github.com/DrC0ns0le/netup/pkg/logging"
	"github.com/DrC0ns0le/netup/pkg/timestamp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"lukechampine.com/uint128"
)

const (
	DefaultMaxDelay       = 500 * time.Millisecond
	DefaultLookback       = 5 * time.Minute
	DefaultExportInterval = 10 * time.Second
	DefaultReportInterval = 15 * time.Second
)

var (
	windowProbes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netup_window_probes",
		Help: "Probes in the lookback window by status",
	}, []string{"status"})
	windowLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netup_window_loss_percent",
		Help: "Percentage of settled probes in the lookback window that were lost or late",
	})
	windowRTT = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netup_window_rtt_avg_milliseconds",
		Help: "Average round-trip time of delivered probes in the lookback window",
	})
	windowJitter = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netup_window_jitter_milliseconds",
		Help: "Mean absolute deviation of round-trip times in the lookback window",
	})
	exportedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netup_export_rows_total",
		Help: "Records written to the export file",
	})
)

type Config struct {
	// MaxDelay is how long a probe may wait for its echo before it is lost
	MaxDelay time.Duration
	// Lookback is the window summarized and kept in memory after export
	Lookback time.Duration
	// ExportPath is the CSV file records are appended to; empty disables export
	ExportPath string
	// ExportInterval is the time between exports
	ExportInterval time.Duration
	// ReportInterval is the time between summaries
	ReportInterval time.Duration

	Logger logging.Logger
	Clock  func() time.Time
}

func (c *Config) setDefaults() {
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Lookback == 0 {
		c.Lookback = DefaultLookback
	}
	if c.ExportInterval == 0 {
		c.ExportInterval = DefaultExportInterval
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.Logger == nil {
		c.Logger = logging.NewDefaultLogger()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Monitor owns a history store and serializes access to it.
type Monitor struct {
	config Config
	logger logging.Logger

	mu    sync.Mutex
	store *history.Store
}

func New(config Config) *Monitor {
	config.setDefaults()
	return &Monitor{
		config: config,
		logger: config.Logger.With("component", "monitor"),
		store:  history.NewStore(),
	}
}

// Apply records one event. A Received event for an unknown probe is ignored.
func (m *Monitor) Apply(e events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.Kind {
	case events.Sent:
		// a backlog longer than MaxDelay can deliver probes the export already passed
		if wm, ok := m.store.Watermark(); ok && wm.Cmp(e.Time) >= 0 {
			m.logger.Warnf("dropping probe %d sent at %s, export is already past it", e.Index, timestamp.Format(e.Time))
			return
		}
		m.store.InsertSent(history.Record{Index: e.Index, SentTime: e.Time})
	case events.Received:
		if !m.store.MarkReceived(e.Index, e.Time) {
			m.logger.Debugf("ignoring echo of untracked probe %d", e.Index)
		}
	}
}

// Run applies events until ctx is cancelled or the channel is closed, then
// flushes every remaining record to the export file.
func (m *Monitor) Run(ctx context.Context, ch <-chan events.Event) error {
	var exportC <-chan time.Time
	if m.config.ExportPath != "" {
		exportTicker := time.NewTicker(m.config.ExportInterval)
		defer exportTicker.Stop()
		exportC = exportTicker.C
		m.logger.Infof("exporting to %s every %s", m.config.ExportPath, m.config.ExportInterval)
	}

	reportTicker := time.NewTicker(m.config.ReportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.shutdown()
		case e, ok := <-ch:
			if !ok {
				return m.shutdown()
			}
			m.Apply(e)
		case <-exportC:
			if !m.drain(ch) {
				return m.shutdown()
			}
			if _, err := m.Export(); err != nil {
				m.logger.Errorf("export failed: %v", err)
			}
		case <-reportTicker.C:
			m.Report()
		}
	}
}

// drain applies queued events without blocking. It reports false once ch is
// closed.
func (m *Monitor) drain(ch <-chan events.Event) bool {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			m.Apply(e)
		default:
			return true
		}
	}
}

func (m *Monitor) shutdown() error {
	m.logger.Info("stopping monitor")
	m.Report()
	if m.config.ExportPath == "" {
		return nil
	}
	_, err := m.Flush()
	return err
}

// Export appends the records sent more than MaxDelay ago and compacts
// exported records older than Lookback. A record sent exactly MaxDelay ago
// can still be delivered, so it waits for the next export.
func (m *Monitor) Export() (int, error) {
	now := timestamp.FromTime(m.config.Clock())
	settle := m.config.MaxDelay + time.Millisecond
	if now.Cmp64(uint64(settle.Milliseconds())) < 0 {
		return 0, nil
	}
	cutoff := timestamp.Sub(now, settle)

	return m.export(func(s *history.Store, w io.Writer, header bool) (int, error) {
		return s.ExportUntil(w, header, cutoff)
	}, now)
}

// Flush appends every record not yet exported, settled or not.
func (m *Monitor) Flush() (int, error) {
	return m.export(func(s *history.Store, w io.Writer, header bool) (int, error) {
		return s.ExportNew(w, header)
	}, timestamp.FromTime(m.config.Clock()))
}

func (m *Monitor) export(write func(*history.Store, io.Writer, bool) (int, error), now uint128.Uint128) (int, error) {
	if m.config.ExportPath == "" {
		return 0, nil
	}

	f, err := os.OpenFile(m.config.ExportPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "opening %s", m.config.ExportPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", m.config.ExportPath)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := write(m.store, f, info.Size() == 0)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		exportedRows.Add(float64(n))
		m.logger.Debugf("exported %d records to %s", n, m.config.ExportPath)
	}

	if dropped := m.store.Compact(timestamp.Sub(now, m.config.Lookback)); dropped > 0 {
		m.logger.Debugf("compacted %d exported records", dropped)
	}
	return n, nil
}

// Summary classifies the probes in the lookback window.
func (m *Monitor) Summary() history.Summary {
	now := timestamp.FromTime(m.config.Clock())

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Summarize(now, m.config.Lookback, m.config.MaxDelay)
}

// Report logs the current summary and updates the window gauges.
func (m *Monitor) Report() {
	sum := m.Summary()

	for _, st := range []history.Status{history.Pending, history.Delivered, history.Late, history.Lost} {
		windowProbes.WithLabelValues(st.String()).Set(float64(sum.Count(st)))
	}
	windowLoss.Set(sum.LossPercent)
	windowRTT.Set(sum.AvgRTT)
	windowJitter.Set(sum.Jitter)

	if sum.Total == 0 {
		m.logger.Infof("no probes since %s", timestamp.Format(sum.From))
		return
	}
	m.logger.Infof("since %s: sent=%d delivered=%d late=%d lost=%d pending=%d loss=%.2f%% rtt avg=%.1fms min=%dms max=%dms jitter=%.1fms",
		timestamp.Format(sum.From), sum.Total, sum.Delivered, sum.Late, sum.Lost, sum.Pending,
		sum.LossPercent, sum.AvgRTT, sum.MinRTT, sum.MaxRTT, sum.Jitter)
}

type seriesResponse struct {
	Now    string          `json:"now"`
	Delays []history.Point `json:"delays"`
	Lost   []history.Point `json:"lost"`
}

// SeriesHandler serves the lookback window as plot points in JSON.
func (m *Monitor) SeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := timestamp.FromTime(m.config.Clock())

		m.mu.Lock()
		delays, lost := m.store.Series(now, m.config.Lookback, m.config.MaxDelay)
		m.mu.Unlock()

		resp := seriesResponse{
			Now:    now.String(),
			Delays: delays,
			Lost:   lost,
		}
		if resp.Delays == nil {
			resp.Delays = []history.Point{}
		}
		if resp.Lost == nil {
			resp.Lost = []history.Point{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			m.logger.Errorf("error writing series: %v", err)
		}
	})
}
