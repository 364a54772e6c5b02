// Package metrics provides functions to record metrics data about
// transport connections. It is a thin layer that writes CSV lines to
// local files, for simple setups that don't run a full metrics backend.
package metrics

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tzrikka/xdg"

	"github.com/corestream/corestream/pkg/transport"
)

const (
	DefaultMetricsFile = "metrics/corestream_connections_%s.csv"

	fileFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY
	filePerms = xdg.NewFilePermissions
)

var mu sync.Mutex

// RecordConnectionStats appends one CSV line with a Connection's stats
// snapshot (spec supplement: see SPEC_FULL.md §12). Intended to be called
// periodically (e.g. on a ticker) by the application embedding this
// package, one line per connection per sample.
func RecordConnectionStats(l *slog.Logger, t time.Time, stats transport.Stats) {
	mu.Lock()
	defer mu.Unlock()

	record := []string{
		t.Format(time.RFC3339),
		stats.Name,
		stats.State,
		strconv.FormatInt(stats.BytesIn, 10),
		strconv.FormatInt(stats.BytesOut, 10),
		strconv.FormatInt(stats.RTTEstimateMS, 10),
		strconv.FormatInt(stats.InboundThroughputBps, 10),
		strconv.FormatInt(stats.OutboundThroughputBps, 10),
	}
	if err := appendToCSVFile(DefaultMetricsFile, t, record); err != nil {
		l.Error("metrics error: failed to record connection stats", slog.Any("error", err),
			slog.String("connection", stats.Name))
	}
}

func appendToCSVFile(filename string, t time.Time, record []string) error {
	filename = fmt.Sprintf(filename, t.Format(time.DateOnly))
	f, err := os.OpenFile(filename, fileFlags, filePerms) //gosec:disable G304 // Hardcoded path.
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return nil
}
