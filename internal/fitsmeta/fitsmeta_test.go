package fitsmeta

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cptesting/internal/quantum"
)

func card(s string) string { return fmt.Sprintf("%-80s", s) }

func buildHeader(cards ...string) []byte {
	var b strings.Builder
	for _, c := range cards {
		b.WriteString(card(c))
	}
	b.WriteString(card("END"))
	for b.Len()%blockSize != 0 {
		b.WriteByte(' ')
	}
	return []byte(b.String())
}

func sampleHeader() []byte {
	return buildHeader(
		"SIMPLE  =                    T / conforms to FITS",
		"BITPIX  =                   16",
		"INSTRUME= 'LSSTCam '           / instrument",
		"DAYOBS  = '20250612'",
		"SEQNUM  =                   42",
		"IMGTYPE = 'FLAT    '",
		"REASON  = 'ptc     '",
		"FILTER  = 'r_57    '",
		"DETECTOR=                   94",
		"OBSERVER= 'O''Brien '",
		"COMMENT this is ignored",
	)
}

func TestReadParsesCards(t *testing.T) {
	h, err := Read(bytes.NewReader(sampleHeader()))
	require.NoError(t, err)

	v, ok := h.Get("instrume")
	require.True(t, ok)
	assert.Equal(t, "LSSTCam", v)

	v, _ = h.Get("SEQNUM")
	assert.Equal(t, "42", v)
	v, _ = h.Get("OBSERVER")
	assert.Equal(t, "O'Brien", v)
	assert.Equal(t, "instrument", h.Cards[2].Comment)

	_, ok = h.Get("COMMENT")
	assert.False(t, ok)
}

func TestReadStopsAtEnd(t *testing.T) {
	data := append(sampleHeader(), bytes.Repeat([]byte{0xff}, blockSize)...)
	r := bytes.NewReader(data)
	_, err := Read(r)
	require.NoError(t, err)
}

func TestReadRejectsNonFITS(t *testing.T) {
	_, err := Read(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNotFITS)

	_, err = Read(bytes.NewReader(buildHeader("BITPIX  =                   16")))
	assert.ErrorIs(t, err, ErrNotFITS)

	noEnd := []byte(card("SIMPLE  =                    T") + strings.Repeat(" ", blockSize-cardSize))
	_, err = Read(bytes.NewReader(noEnd))
	assert.Error(t, err)
}

func TestExtract(t *testing.T) {
	h, err := Read(bytes.NewReader(sampleHeader()))
	require.NoError(t, err)

	md, err := Extract("", h.Map())
	require.NoError(t, err)
	assert.Equal(t, "LSSTCam", md.Exposure.Instrument)
	assert.Equal(t, int64(2025061200042), md.Exposure.ID)
	assert.Equal(t, 20250612, md.Exposure.DayObs)
	assert.Equal(t, "flat", md.Exposure.ObservationType)
	assert.Equal(t, "ptc", md.Exposure.ObservationReason)
	assert.Equal(t, "r_57", md.Exposure.PhysicalFilter)
	assert.Equal(t, 94, md.Detector)
	assert.Equal(t, "FLAT", md.Exposure.Header["IMGTYPE"])
	assert.Equal(t, "LSSTCam/2025061200042/94/r_57", md.DataID().Key())
}

func TestExtractLowercaseKeywords(t *testing.T) {
	md, err := Extract("", map[string]string{"instrume": "LSSTCam", "expid": "9", "detector": "0", "imgtype": "FLAT"})
	require.NoError(t, err)
	assert.Equal(t, "LSSTCam", md.Exposure.Instrument)
	assert.Equal(t, int64(9), md.Exposure.ID)
	assert.Equal(t, "flat", md.Exposure.ObservationType)
	assert.Equal(t, "FLAT", md.Exposure.Header["IMGTYPE"])
	assert.True(t, md.HasDetector)
	assert.Equal(t, "LSSTCam/9/0", md.DataID().Key())

	md, err = Extract("LATISS", map[string]string{"EXPID": "3"})
	require.NoError(t, err)
	assert.False(t, md.DataID().HasDetector)
}

func TestExtractPrefersExpIDAndObsType(t *testing.T) {
	md, err := Extract("LATISS", map[string]string{"EXPID": "7", "OBSTYPE": "BIAS", "IMGTYPE": "FLAT"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), md.Exposure.ID)
	assert.Equal(t, "bias", md.Exposure.ObservationType)
}

func TestExtractMissingIdentity(t *testing.T) {
	_, err := Extract("LSSTCam", map[string]string{"IMGTYPE": "FLAT"})
	assert.True(t, errors.Is(err, quantum.ErrMissingMetadata))

	_, err = Extract("", map[string]string{"EXPID": "1"})
	assert.ErrorIs(t, err, quantum.ErrMissingMetadata)

	_, err = Extract("LSSTCam", map[string]string{"EXPID": "x1"})
	assert.Error(t, err)
}

func TestNativeReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.fits")
	require.NoError(t, os.WriteFile(path, sampleHeader(), 0o644))

	header, err := NativeReader{}.ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, "FLAT", header["IMGTYPE"])

	_, err = NativeReader{}.ReadHeader(filepath.Join(t.TempDir(), "missing.fits"))
	assert.Error(t, err)
}

func TestWriteHeaderReadsBack(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, map[string]string{
		"instrume": "LSSTCam",
		"EXPID":    "2025061200007",
		"IMGTYPE":  "FLAT",
		"OBSERVER": "O'Brien",
		"DOFLAT":   "T",
	}))
	assert.Zero(t, buf.Len()%blockSize)

	h, err := Read(&buf)
	require.NoError(t, err)
	m := h.Map()
	assert.Equal(t, "LSSTCam", m["INSTRUME"])
	assert.Equal(t, "2025061200007", m["EXPID"])
	assert.Equal(t, "O'Brien", m["OBSERVER"])
	assert.Equal(t, "T", m["DOFLAT"])

	md, err := Extract("", m)
	require.NoError(t, err)
	assert.Equal(t, int64(2025061200007), md.Exposure.ID)
	assert.Equal(t, "flat", md.Exposure.ObservationType)

	assert.Error(t, WriteHeader(&buf, map[string]string{"TOOLONGKEY": "x"}))
}
