// Package traces decodes readsb trace_full files into pings.
//
// A trace file is a JSON object holding aircraft metadata, a base
// "timestamp" in Unix seconds, and a "trace" array with one snapshot per
// position report:
//
//	[offset, lat, lon, alt_baro|"ground", gs, track, flags, vert_rate,
//	 {aircraft}|null, source_type, alt_geom, ...]
//
// Files may be gzip compressed. The trace array is decoded one snapshot at
// a time so an entry is never held in memory as a whole, except when the
// base timestamp follows the trace array and snapshots must wait for it.
package traces

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"adsb_pings/internal/models"

	"github.com/klauspost/compress/gzip"
)

// ErrMalformedEntry is returned when the envelope of a trace file cannot be
// decoded. Snapshots decoded before the failure remain valid.
var ErrMalformedEntry = errors.New("malformed trace entry")

// RecordDecodeError describes one snapshot that could not be decoded.
type RecordDecodeError struct {
	Path   string
	Index  int
	Reason string
}

func (e *RecordDecodeError) Error() string {
	return fmt.Sprintf("%s: snapshot %d: %s", e.Path, e.Index, e.Reason)
}

// Record is the result of decoding one snapshot: either a Ping or, when
// Err is non-nil, the reason the snapshot was skipped.
type Record struct {
	Ping models.Ping
	Err  *RecordDecodeError
}

const (
	tracePrefix     = "traces/"
	traceFilePrefix = "trace_full_"
	traceSuffix     = ".json"
)

// IsTraceEntry reports whether an archive path names a per-aircraft trace file.
func IsTraceEntry(name string) bool {
	name = strings.TrimPrefix(name, "./")
	return strings.HasPrefix(name, tracePrefix) && strings.HasSuffix(name, traceSuffix)
}

// ICAOFromPath extracts the aircraft address from a trace file name such as
// traces/2b/trace_full_a1b22b.json. It returns "" when the name does not
// follow that pattern.
func ICAOFromPath(name string) string {
	base := path.Base(name)
	if !strings.HasPrefix(base, traceFilePrefix) || !strings.HasSuffix(base, traceSuffix) {
		return ""
	}
	icao := strings.TrimSuffix(strings.TrimPrefix(base, traceFilePrefix), traceSuffix)
	return strings.ToLower(strings.TrimPrefix(icao, "~"))
}

type decoderState int

const (
	stateStart decoderState = iota
	stateKeys
	stateTrace
	stateBuffer
	statePending
	stateDone
)

// header holds the per-file fields that precede the trace array.
type header struct {
	aircraft      models.Aircraft
	timestamp     float64
	haveTimestamp bool
}

// Decoder yields the snapshots of a single trace file in file order.
type Decoder struct {
	path    string
	gz      *gzip.Reader
	dec     *json.Decoder
	state   decoderState
	hdr     header
	index   int
	pending []json.RawMessage
}

// NewDecoder prepares to decode the trace file read from r. The archive
// path supplies the ICAO address when the file does not carry one.
func NewDecoder(r io.Reader, name string) (*Decoder, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	d := &Decoder{path: name}
	d.hdr.aircraft.ICAO = ICAOFromPath(name)

	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: gzip header: %w", ErrMalformedEntry, name, err)
		}
		d.gz = gz
		d.dec = json.NewDecoder(gz)
	} else {
		d.dec = json.NewDecoder(br)
	}
	return d, nil
}

// Aircraft returns the metadata decoded so far.
func (d *Decoder) Aircraft() models.Aircraft {
	return d.hdr.aircraft
}

// Close releases the decompressor, if any.
func (d *Decoder) Close() error {
	if d.gz != nil {
		return d.gz.Close()
	}
	return nil
}

// Next returns the next snapshot. A snapshot that fails to decode is
// returned as a Record with Err set, and decoding continues with the next
// one. Next returns io.EOF after the last snapshot, or an error when the
// file itself cannot be decoded further.
func (d *Decoder) Next() (Record, error) {
	for {
		switch d.state {
		case stateStart:
			if err := d.expectDelim('{'); err != nil {
				if err == io.EOF {
					return Record{}, fmt.Errorf("%w: %s: empty file", ErrMalformedEntry, d.path)
				}
				return Record{}, err
			}
			d.state = stateKeys

		case stateKeys:
			if !d.dec.More() {
				if err := d.expectDelim('}'); err != nil {
					return Record{}, err
				}
				d.state = stateDone
				if len(d.pending) > 0 {
					d.state = statePending
				}
				continue
			}
			if err := d.readField(); err != nil {
				return Record{}, err
			}

		case stateTrace, stateBuffer:
			if !d.dec.More() {
				if err := d.expectDelim(']'); err != nil {
					return Record{}, err
				}
				d.state = stateKeys
				continue
			}
			var raw json.RawMessage
			if err := d.dec.Decode(&raw); err != nil {
				return Record{}, d.wrap(err)
			}
			if d.state == stateBuffer {
				d.pending = append(d.pending, raw)
				continue
			}
			return d.record(raw), nil

		case statePending:
			raw := d.pending[0]
			d.pending = d.pending[1:]
			if len(d.pending) == 0 {
				d.state = stateDone
			}
			return d.record(raw), nil

		case stateDone:
			return Record{}, io.EOF
		}
	}
}

// readField consumes one key of the top-level object and its value.
func (d *Decoder) readField() error {
	tok, err := d.dec.Token()
	if err != nil {
		return d.wrap(err)
	}
	key, ok := tok.(string)
	if !ok {
		return fmt.Errorf("%w: %s: unexpected token %v", ErrMalformedEntry, d.path, tok)
	}

	if key == "trace" {
		if err := d.expectDelim('['); err != nil {
			return err
		}
		d.state = stateBuffer
		if d.hdr.haveTimestamp {
			d.state = stateTrace
		}
		return nil
	}

	ac := &d.hdr.aircraft
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return d.wrap(err)
	}
	switch key {
	case "icao":
		if icao := text(raw); icao != "" {
			ac.ICAO = strings.ToLower(strings.TrimPrefix(icao, "~"))
		}
	case "r":
		ac.Registration = text(raw)
	case "t":
		ac.TypeCode = text(raw)
	case "desc":
		ac.Description = text(raw)
	case "ownOp":
		ac.Operator = text(raw)
	case "year":
		ac.Year = text(raw)
	case "timestamp":
		if ts, ok := number(raw); ok {
			d.hdr.timestamp = ts
			d.hdr.haveTimestamp = true
		}
	}
	return nil
}

func (d *Decoder) expectDelim(want json.Delim) error {
	tok, err := d.dec.Token()
	if err != nil {
		if err == io.EOF && want == '{' {
			return io.EOF
		}
		return d.wrap(err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return fmt.Errorf("%w: %s: expected %q, got %v", ErrMalformedEntry, d.path, want, tok)
	}
	return nil
}

// wrap marks decode failures as malformed entries. The cause stays in the
// chain so archive read failures can still be recognised by the caller.
func (d *Decoder) wrap(err error) error {
	if err == io.EOF {
		return fmt.Errorf("%w: %s: unexpected end of file", ErrMalformedEntry, d.path)
	}
	return fmt.Errorf("%w: %s: %w", ErrMalformedEntry, d.path, err)
}

// snapshotAircraft is the optional aircraft object at index 8 of a snapshot.
type snapshotAircraft struct {
	Flight   *string `json:"flight"`
	Squawk   *string `json:"squawk"`
	Category *string `json:"category"`
}

func (d *Decoder) record(raw json.RawMessage) Record {
	idx := d.index
	d.index++
	fail := func(format string, args ...any) Record {
		return Record{Err: &RecordDecodeError{Path: d.path, Index: idx, Reason: fmt.Sprintf(format, args...)}}
	}

	var pt []json.RawMessage
	if err := json.Unmarshal(raw, &pt); err != nil {
		return fail("not an array")
	}
	if len(pt) < 3 {
		return fail("too few fields (%d)", len(pt))
	}
	offset, ok := number(pt[0])
	if !ok {
		return fail("missing time offset")
	}
	lat, okLat := number(pt[1])
	lon, okLon := number(pt[2])
	if !okLat || !okLon {
		return fail("missing position")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fail("position out of range (%v, %v)", lat, lon)
	}

	ac := d.hdr.aircraft
	secs := d.hdr.timestamp + offset
	p := models.Ping{
		Timestamp:    time.UnixMilli(int64(math.Round(secs * 1000))).UTC(),
		ICAO:         ac.ICAO,
		Registration: ac.Registration,
		Latitude:     lat,
		Longitude:    lon,
		AircraftType: ac.TypeCode,
		Description:  ac.Description,
		Operator:     ac.Operator,
	}

	field := func(i int) json.RawMessage {
		if i < len(pt) {
			return pt[i]
		}
		return nil
	}
	if alt := field(3); alt != nil {
		if text(alt) == "ground" {
			p.OnGround = true
		} else {
			p.AltitudeBaro = optional(alt)
		}
	}
	p.GroundSpeed = optional(field(4))
	p.Track = optional(field(5))
	p.VerticalRate = optional(field(7))
	if obj := field(8); len(obj) > 0 && obj[0] == '{' {
		var sa snapshotAircraft
		if err := json.Unmarshal(obj, &sa); err == nil {
			p.Flight = deref(sa.Flight)
			p.Squawk = deref(sa.Squawk)
			p.Category = deref(sa.Category)
		}
	}
	if src := field(9); src != nil {
		p.SourceType = text(src)
	}
	p.AltitudeGeom = optional(field(10))
	p.Rotorcraft = models.IsRotorcraft(p.Category, p.AircraftType)

	return Record{Ping: p}
}

// number decodes a JSON number, or a string holding one.
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	switch raw[0] {
	case 'n':
		return 0, false
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

func optional(raw json.RawMessage) *float64 {
	if v, ok := number(raw); ok {
		return &v
	}
	return nil
}

func text(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case 'n', '{', '[':
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
