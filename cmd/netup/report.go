package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/DrC0ns0le/netup/internal/history"
	"github.com/DrC0ns0le/netup/internal/monitor"
	"github.com/DrC0ns0le/netup/pkg/timestamp"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"lukechampine.com/uint128"
)

var reportCmd = &cobra.Command{
	Use:   "report <file.csv>...",
	Short: "Summarize loss and latency from exported history",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showLost, _ := cmd.Flags().GetBool("lost")
		maxDelay := cfg.Monitor.MaxDelay
		if cmd.Flags().Changed("max-delay") {
			maxDelay, _ = cmd.Flags().GetDuration("max-delay")
		}

		records, err := readExports(args)
		if err != nil {
			return err
		}
		writeReport(cmd.OutOrStdout(), records, timestamp.Now(), maxDelay, showLost)
		return nil
	},
}

func init() {
	reportCmd.Flags().Duration("max-delay", monitor.DefaultMaxDelay, "how long a probe may wait for its echo before it counts as lost")
	reportCmd.Flags().Bool("lost", false, "list every lost or late probe")
}

func readExports(paths []string) ([]history.Record, error) {
	var records []history.Record
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "opening export")
		}
		rs, err := history.ReadExport(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		records = append(records, rs...)
	}
	return records, nil
}

func writeReport(w io.Writer, records []history.Record, now uint128.Uint128, maxDelay time.Duration, showLost bool) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no records")
		return
	}

	from := records[0].SentTime
	sum := history.Summarize(records, from, now, maxDelay)

	fmt.Fprintf(w, "first probe:  %s\n", timestamp.Format(from))
	fmt.Fprintf(w, "last probe:   %s\n", timestamp.Format(records[len(records)-1].SentTime))
	fmt.Fprintf(w, "probes:       %d (delivered %d, late %d, lost %d, pending %d)\n",
		sum.Total, sum.Delivered, sum.Late, sum.Lost, sum.Pending)
	fmt.Fprintf(w, "loss:         %.2f%%\n", sum.LossPercent)
	if sum.Delivered > 0 {
		fmt.Fprintf(w, "rtt:          avg %.1fms min %dms max %dms jitter %.1fms\n",
			sum.AvgRTT, sum.MinRTT, sum.MaxRTT, sum.Jitter)
	}

	if !showLost {
		return
	}
	for _, r := range records {
		st := history.Classify(r, now, maxDelay)
		if st != history.Lost && st != history.Late {
			continue
		}
		fmt.Fprintf(w, "%-5s index=%d sent=%s\n", st, r.Index, timestamp.Format(r.SentTime))
	}
}
