package history

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/DrC0ns0le/netup/pkg/timestamp"
	"github.com/pkg/errors"
	"lukechampine.com/uint128"
)

// Header is the first row written to a fresh export destination.
var Header = []string{"index", "sent_time", "received_time"}

// ExportNew writes every record sent after the watermark as CSV and moves the
// watermark to the last written record. A second call without new inserts
// writes nothing. The header is written first when writeHeaderIfEmpty is set
// and there is at least one row.
func (s *Store) ExportNew(w io.Writer, writeHeaderIfEmpty bool) (int, error) {
	return s.export(w, writeHeaderIfEmpty, len(s.records))
}

// ExportUntil is ExportNew restricted to records sent at or before cutoff, so
// rows can be held back until their echo has had time to arrive.
func (s *Store) ExportUntil(w io.Writer, writeHeaderIfEmpty bool, cutoff uint128.Uint128) (int, error) {
	end, _ := s.Find(cutoff, Ceiling)
	return s.export(w, writeHeaderIfEmpty, end)
}

func (s *Store) export(w io.Writer, header bool, end int) (int, error) {
	start := 0
	if s.exported {
		start = s.upperBound(s.watermark)
	}
	if start >= end {
		return 0, nil
	}

	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(Header); err != nil {
			return 0, errors.Wrap(err, "writing export header")
		}
	}
	for _, r := range s.records[start:end] {
		if err := cw.Write(row(r)); err != nil {
			return 0, errors.Wrapf(err, "writing record %d", r.Index)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, errors.Wrap(err, "flushing export")
	}

	s.watermark = s.records[end-1].SentTime
	s.exported = true
	return end - start, nil
}

func row(r Record) []string {
	received := ""
	if r.ReceivedTime != nil {
		received = r.ReceivedTime.String()
	}
	return []string{strconv.FormatUint(r.Index, 10), r.SentTime.String(), received}
}

// ReadExport parses rows written by ExportNew, skipping a header row.
func ReadExport(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "reading export")
	}

	records := make([]Record, 0, len(rows))
	for i, fields := range rows {
		if fields[0] == Header[0] {
			continue
		}
		rec, err := parseRow(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i+1)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(fields []string) (Record, error) {
	index, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Record{}, errors.Wrap(err, "index")
	}
	sent, err := timestamp.Parse(fields[1])
	if err != nil {
		return Record{}, errors.Wrap(err, "sent_time")
	}
	rec := Record{Index: index, SentTime: sent}
	if fields[2] != "" {
		received, err := timestamp.Parse(fields[2])
		if err != nil {
			return Record{}, errors.Wrap(err, "received_time")
		}
		rec.ReceivedTime = &received
	}
	return rec, nil
}
