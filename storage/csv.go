// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

// csvHeader is the column order of the daily CSV files.
var csvHeader = []string{"timestamp", "production_kw", "consumption_kw", "grid_kw", "storage_kw"}

// csvColumnAliases maps header names to csvHeader positions. The short
// names (ts, production, ...) are accepted so older files can be resumed.
var csvColumnAliases = map[string]int{
	"timestamp":      0,
	"ts":             0,
	"production_kw":  1,
	"production":     1,
	"consumption_kw": 2,
	"consumption":    2,
	"grid_kw":        3,
	"grid":           3,
	"storage_kw":     4,
	"storage":        4,
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// csvRecord renders one reading. loc controls the timestamp's zone offset.
func csvRecord(r *monitoring.Reading, loc *time.Location) []string {
	storage := ""
	if r.StorageKW != nil {
		storage = formatFloat(*r.StorageKW)
	}
	return []string{
		r.Time(false).In(loc).Format(time.RFC3339),
		formatFloat(r.ProductionKW),
		formatFloat(r.ConsumptionKW),
		formatFloat(r.GridKW),
		storage,
	}
}

// encodeCSV renders a header and one row per reading.
func encodeCSV(rows []*monitoring.Reading, loc *time.Location) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(csvRecord(r, loc)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeCSV parses a daily CSV. Columns are matched by header name; rows
// that don't parse are skipped with a warning so one bad line can't block
// a day's uploads.
func decodeCSV(data []byte, siteKey string) ([]*monitoring.Reading, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	columns := make([]int, len(csvHeader))
	for i := range columns {
		columns[i] = -1
	}
	for i, name := range header {
		if pos, ok := csvColumnAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
			columns[pos] = i
		}
	}
	for pos, idx := range columns[:4] {
		if idx < 0 {
			return nil, fmt.Errorf("csv header missing column %q", csvHeader[pos])
		}
	}

	var rows []*monitoring.Reading
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		reading, err := parseCSVRecord(record, columns, siteKey)
		if err != nil {
			logger.Warn().Err(err).Int("line", line).Msg("Skipping unparseable CSV row")
			continue
		}
		rows = append(rows, reading)
	}
	return rows, nil
}

func parseCSVRecord(record []string, columns []int, siteKey string) (*monitoring.Reading, error) {
	field := func(pos int) string {
		idx := columns[pos]
		if idx < 0 || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	ts, err := time.Parse(time.RFC3339, field(0))
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	values := make([]float64, 3)
	for i := range values {
		v, err := strconv.ParseFloat(field(i+1), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", csvHeader[i+1], err)
		}
		values[i] = v
	}

	reading := &monitoring.Reading{
		SiteKey:       siteKey,
		Timestamp:     ts,
		PolledAt:      ts,
		ProductionKW:  values[0],
		ConsumptionKW: values[1],
		GridKW:        values[2],
	}
	if s := field(4); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("storage_kw: %w", err)
		}
		reading.StorageKW = monitoring.Float64(v)
	}
	return reading, nil
}

// mergeRows combines two row sets ordered by timestamp. When both contain
// the same timestamp the row from a wins.
func mergeRows(a, b []*monitoring.Reading) []*monitoring.Reading {
	seen := make(map[int64]struct{}, len(a)+len(b))
	merged := make([]*monitoring.Reading, 0, len(a)+len(b))
	for _, set := range [][]*monitoring.Reading{a, b} {
		for _, r := range set {
			key := r.Time(false).UnixNano()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Time(false).Before(merged[j].Time(false))
	})
	return merged
}
