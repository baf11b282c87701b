package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cptesting/internal/fitsmeta"
	"cptesting/internal/pipeline"
	"cptesting/internal/quantum"
	"cptesting/internal/storage"
)

const definition = `
description = "Flat ISR smoke run"
instrument = "LSSTCam"

[tasks.isr]
class = "CptIsrTask"

[tasks.isr.config]
doBias = false
doLinearize = false
doDefect = false
doDark = false
doFlat = false
doFringe = false
expectedExposureType = "flat"

[tasks.isr.config.qa]
doThumbnailOss = false
doThumbnailFlattened = false
`

// Synthetic night: alternating flats and biases over two detectors.
var exposures = []struct {
	seq     int
	imgType string
}{
	{1, "BIAS"}, {2, "FLAT"}, {3, "FLAT"}, {4, "BIAS"}, {5, "FLAT"},
}

func main() {
	fmt.Println("🔍 Testing FITS ingest + admission")

	dir, err := os.MkdirTemp("", "cptesting-smoke")
	if err != nil {
		log.Fatal("Failed to create work directory:", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.New(filepath.Join(dir, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	// Write headers and ingest them back through the native reader.
	for _, exp := range exposures {
		for _, det := range []int{10, 11} {
			path := filepath.Join(dir, fmt.Sprintf("raw_%03d_%d.fits", exp.seq, det))
			if err := writeRaw(path, exp.seq, det, exp.imgType); err != nil {
				log.Fatal("Failed to write header:", err)
			}
			if err := ingest(store, path); err != nil {
				log.Fatal("Failed to ingest:", err)
			}
		}
	}
	if err := store.RecordDataset(storage.DatasetRecord{
		ID: "camera/LSSTCam", DatasetType: "camera", DataID: quantum.DataID{Instrument: "LSSTCam"},
	}); err != nil {
		log.Fatal("Failed to register camera:", err)
	}
	fmt.Printf("✅ Ingested %d raws\n", len(exposures)*2)

	def, err := pipeline.Parse([]byte(definition))
	if err != nil {
		log.Fatal("Failed to parse definition:", err)
	}
	g, err := pipeline.BuildGraph(def)
	if err != nil {
		log.Fatal("Failed to build graph:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	p := pipeline.New(ctx, g, logger, store, pipeline.WithConcurrency(4))
	defer p.Stop()

	sums, err := p.Run(ctx)
	if err != nil {
		log.Fatal("Run failed:", err)
	}
	for _, s := range sums {
		fmt.Printf("📊 %s\n", s)
	}

	// Three flats on two detectors; biases never reach processing.
	counts, err := store.CountQuanta("isr")
	if err != nil {
		log.Fatal("Failed to count quanta:", err)
	}
	if counts["completed"] != 6 || counts["skipped"] != 4 || counts["failed"] != 0 {
		log.Fatalf("unexpected outcomes: %v", counts)
	}
	fmt.Println("✅ Admission skipped every bias")
}

func writeRaw(path string, seq, detector int, imgType string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fitsmeta.WriteHeader(f, map[string]string{
		"INSTRUME": "LSSTCam",
		"DAYOBS":   "20250612",
		"SEQNUM":   strconv.Itoa(seq),
		"DETECTOR": strconv.Itoa(detector),
		"IMGTYPE":  imgType,
		"FILTER":   "r_57",
	})
}

func ingest(store *storage.Store, path string) error {
	header, err := fitsmeta.NativeReader{}.ReadHeader(path)
	if err != nil {
		return err
	}
	md, err := fitsmeta.Extract("", header)
	if err != nil {
		return err
	}
	if err := store.RecordExposure(md.Exposure); err != nil {
		return err
	}
	return store.RecordDataset(storage.DatasetRecord{
		ID:          filepath.Base(path),
		DatasetType: "raw",
		DataID:      md.DataID(),
		Run:         "cptesting/raw",
		URI:         path,
	})
}
