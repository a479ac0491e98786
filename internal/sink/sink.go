// Package sink writes accepted pings out, one row per ping.
package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"adsb_pings/internal/models"
)

// Writer receives accepted pings in batches, in emission order.
type Writer interface {
	WriteBatch(pings []*models.Ping) error
	Close() error
}

// Columns is the fixed output column set.
var Columns = []string{
	"timestamp",
	"icao",
	"registration",
	"flight",
	"lat",
	"lon",
	"altitude_baro",
	"alt_geom",
	"ground_speed",
	"track_degrees",
	"vertical_rate",
	"aircraft_type",
	"description",
	"operator",
	"squawk",
	"category",
	"source_type",
}

// CSVWriter writes pings as CSV with a single header row.
type CSVWriter struct {
	w           *csv.Writer
	closer      io.Closer
	wroteHeader bool
	rows        int64
}

// NewCSVWriter writes to w. If w is an io.Closer it is closed by Close.
func NewCSVWriter(w io.Writer) *CSVWriter {
	c := &CSVWriter{w: csv.NewWriter(w)}
	if closer, ok := w.(io.Closer); ok && w != os.Stdout {
		c.closer = closer
	}
	return c
}

// CreateCSV creates (or truncates) path and returns a writer for it.
// The header is written immediately so an empty result still has one.
func CreateCSV(path string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output %s: %w", path, err)
	}
	c := NewCSVWriter(f)
	if err := c.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *CSVWriter) writeHeader() error {
	if c.wroteHeader {
		return nil
	}
	c.wroteHeader = true
	if err := c.w.Write(Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// WriteBatch appends one row per ping and flushes.
func (c *CSVWriter) WriteBatch(pings []*models.Ping) error {
	if err := c.writeHeader(); err != nil {
		return err
	}
	for _, p := range pings {
		if err := c.w.Write(Row(p)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		c.rows++
	}
	c.w.Flush()
	return c.w.Error()
}

// Rows returns the number of data rows written.
func (c *CSVWriter) Rows() int64 {
	return c.rows
}

// Close flushes buffered rows and closes the underlying file.
func (c *CSVWriter) Close() error {
	err := c.writeHeader()
	c.w.Flush()
	if err == nil {
		err = c.w.Error()
	}
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Row formats a ping in Columns order. Unknown values are empty.
func Row(p *models.Ping) []string {
	return []string{
		p.Timestamp.UTC().Format(time.RFC3339Nano),
		p.ICAO,
		p.Registration,
		p.Flight,
		formatFloat(&p.Latitude),
		formatFloat(&p.Longitude),
		formatFloat(p.AltitudeBaro),
		formatFloat(p.AltitudeGeom),
		formatFloat(p.GroundSpeed),
		formatFloat(p.Track),
		formatFloat(p.VerticalRate),
		p.AircraftType,
		p.Description,
		p.Operator,
		p.Squawk,
		p.Category,
		p.SourceType,
	}
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Counter discards pings and only counts them.
type Counter struct {
	n int64
}

// WriteBatch counts pings.
func (c *Counter) WriteBatch(pings []*models.Ping) error {
	c.n += int64(len(pings))
	return nil
}

// Close does nothing.
func (c *Counter) Close() error { return nil }

// Count returns the number of pings seen.
func (c *Counter) Count() int64 { return c.n }

// Memory keeps pings in order. It is meant for tests and small queries.
type Memory struct {
	Pings []models.Ping
}

// WriteBatch stores copies of pings.
func (m *Memory) WriteBatch(pings []*models.Ping) error {
	for _, p := range pings {
		m.Pings = append(m.Pings, *p)
	}
	return nil
}

// Close does nothing.
func (m *Memory) Close() error { return nil }
