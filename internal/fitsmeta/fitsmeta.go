// Package fitsmeta reads exposure metadata from FITS primary headers without
// touching pixel data.
package fitsmeta

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"cptesting/internal/quantum"
)

const (
	blockSize = 2880
	cardSize  = 80
)

// ErrNotFITS is returned when the first card is not SIMPLE.
var ErrNotFITS = errors.New("not a FITS file")

// Card is one header record.
type Card struct {
	Key     string
	Value   string
	Comment string
}

// Header is an ordered FITS primary header.
type Header struct {
	Cards []Card
	index map[string]int
}

// Get returns the value of key. Later duplicates win.
func (h *Header) Get(key string) (string, bool) {
	i, ok := h.index[strings.ToUpper(key)]
	if !ok {
		return "", false
	}
	return h.Cards[i].Value, true
}

// Map flattens the header to keyword/value pairs. COMMENT, HISTORY and blank
// cards are left out.
func (h *Header) Map() map[string]string {
	out := make(map[string]string, len(h.index))
	for key, i := range h.index {
		out[key] = h.Cards[i].Value
	}
	return out
}

// Reader reads the primary header of a file as keyword/value pairs.
type Reader interface {
	ReadHeader(path string) (map[string]string, error)
}

// NativeReader parses headers directly.
type NativeReader struct{}

func (NativeReader) ReadHeader(path string) (map[string]string, error) {
	h, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return h.Map(), nil
}

// ReadFile parses the primary header of the FITS file at path.
func ReadFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Read parses header cards up to END. Reading stops at the end of the block
// holding END, so pixel data is never consumed.
func Read(r io.Reader) (*Header, error) {
	br := bufio.NewReaderSize(r, blockSize)
	block := make([]byte, blockSize)
	h := &Header{index: map[string]int{}}
	first := true
	for {
		if _, err := io.ReadFull(br, block); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if first {
					return nil, ErrNotFITS
				}
				return nil, fmt.Errorf("header has no END card: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		for off := 0; off < blockSize; off += cardSize {
			raw := string(block[off : off+cardSize])
			key := strings.TrimSpace(raw[:8])
			if first {
				if key != "SIMPLE" {
					return nil, ErrNotFITS
				}
				first = false
			}
			if key == "END" {
				return h, nil
			}
			card, ok := parseCard(key, raw)
			if !ok {
				continue
			}
			h.index[card.Key] = len(h.Cards)
			h.Cards = append(h.Cards, card)
		}
	}
}

// parseCard handles value cards ("KEY     = value / comment"). Commentary
// cards are skipped.
func parseCard(key, raw string) (Card, bool) {
	if key == "" || key == "COMMENT" || key == "HISTORY" || raw[8:10] != "= " {
		return Card{}, false
	}
	rest := strings.TrimSpace(raw[10:])
	card := Card{Key: key}
	if strings.HasPrefix(rest, "'") {
		var b strings.Builder
		i := 1
		for i < len(rest) {
			if rest[i] == '\'' {
				if i+1 < len(rest) && rest[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				break
			}
			b.WriteByte(rest[i])
			i++
		}
		card.Value = strings.TrimRight(b.String(), " ")
		rest = rest[min(i+1, len(rest)):]
		if _, comment, ok := strings.Cut(rest, "/"); ok {
			card.Comment = strings.TrimSpace(comment)
		}
		return card, true
	}
	value, comment, _ := strings.Cut(rest, "/")
	card.Value = strings.TrimSpace(value)
	card.Comment = strings.TrimSpace(comment)
	return card, true
}

// Metadata is what ingest needs from one raw file.
type Metadata struct {
	Exposure    quantum.ExposureRecord
	Detector    int
	HasDetector bool
}

// DataID is the raw data coordinate of the file.
func (m Metadata) DataID() quantum.DataID {
	id := quantum.DataID{
		Instrument:     m.Exposure.Instrument,
		Exposure:       m.Exposure.ID,
		PhysicalFilter: m.Exposure.PhysicalFilter,
	}
	if m.HasDetector {
		id = id.WithDetector(m.Detector)
	}
	return id
}

// Extract builds exposure metadata from header values. The exposure id comes
// from EXPID, or from DAYOBS and SEQNUM when EXPID is absent. OBSTYPE is
// preferred over IMGTYPE for the observation type. Keywords are matched
// case-insensitively.
func Extract(instrument string, header map[string]string) (Metadata, error) {
	header = quantum.NormalizeHeader(header)
	rec := quantum.ExposureRecord{Instrument: instrument, Header: header}
	if instrument == "" {
		rec.Instrument = header["INSTRUME"]
	}
	if rec.Instrument == "" {
		return Metadata{}, fmt.Errorf("%w: no instrument", quantum.ErrMissingMetadata)
	}

	dayObs, _ := strconv.Atoi(strings.ReplaceAll(header["DAYOBS"], "-", ""))
	rec.DayObs = dayObs
	switch {
	case header["EXPID"] != "":
		id, err := strconv.ParseInt(header["EXPID"], 10, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("EXPID %q: %w", header["EXPID"], err)
		}
		rec.ID = id
	case dayObs != 0 && header["SEQNUM"] != "":
		seq, err := strconv.ParseInt(header["SEQNUM"], 10, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("SEQNUM %q: %w", header["SEQNUM"], err)
		}
		rec.ID = int64(dayObs)*100000 + seq
	default:
		return Metadata{}, fmt.Errorf("%w: no EXPID or DAYOBS/SEQNUM", quantum.ErrMissingMetadata)
	}

	rec.ObservationType = strings.ToLower(firstOf(header, "OBSTYPE", "IMGTYPE"))
	rec.ObservationReason = strings.ToLower(header["REASON"])
	rec.PhysicalFilter = firstOf(header, "FILTER", "FILTBAND")

	md := Metadata{Exposure: rec}
	if d := firstOf(header, "DETECTOR", "CCDNUM"); d != "" {
		det, err := strconv.Atoi(d)
		if err != nil {
			return Metadata{}, fmt.Errorf("DETECTOR %q: %w", d, err)
		}
		md.Detector = det
		md.HasDetector = true
	}
	return md, nil
}

func firstOf(header map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := header[k]; v != "" {
			return v
		}
	}
	return ""
}

// WriteHeader writes a minimal primary header holding values, sorted by key,
// with no data unit. Numeric and logical values are written bare; everything
// else is quoted.
func WriteHeader(w io.Writer, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		if len(k) > 8 {
			return fmt.Errorf("keyword %q longer than 8 characters", k)
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return strings.ToUpper(keys[i]) < strings.ToUpper(keys[j]) })

	var b strings.Builder
	writeCard := func(s string) { fmt.Fprintf(&b, "%-80.80s", s) }
	writeCard(fmt.Sprintf("%-8s= %20s", "SIMPLE", "T"))
	writeCard(fmt.Sprintf("%-8s= %20s", "BITPIX", "8"))
	writeCard(fmt.Sprintf("%-8s= %20s", "NAXIS", "0"))
	for _, k := range keys {
		key := strings.ToUpper(k)
		if key == "SIMPLE" || key == "BITPIX" || key == "NAXIS" {
			continue
		}
		writeCard(fmt.Sprintf("%-8s= %s", key, cardValue(values[k])))
	}
	writeCard("END")
	for b.Len()%blockSize != 0 {
		b.WriteByte(' ')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func cardValue(v string) string {
	if v == "T" || v == "F" {
		return fmt.Sprintf("%20s", v)
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return fmt.Sprintf("%20s", v)
	}
	return fmt.Sprintf("'%-8s'", strings.ReplaceAll(v, "'", "''"))
}
