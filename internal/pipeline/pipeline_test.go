package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cptesting/internal/quantum"
	"cptesting/internal/storage"
)

const flatIsr = `
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

type memCatalog struct {
	mu      sync.Mutex
	refs    map[string][]quantum.DatasetRef
	lookups map[string]int
}

func newMemCatalog() *memCatalog {
	return &memCatalog{refs: map[string][]quantum.DatasetRef{}, lookups: map[string]int{}}
}

func (c *memCatalog) add(ref quantum.DatasetRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[ref.DatasetType] = append(c.refs[ref.DatasetType], ref)
}

func (c *memCatalog) FindDatasets(datasetType, instrument string) ([]quantum.DatasetRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups[datasetType]++
	var out []quantum.DatasetRef
	for _, r := range c.refs[datasetType] {
		if r.DataID.Instrument == instrument {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *memCatalog) count(datasetType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups[datasetType]
}

func rawRef(id string, exposure int64, detector int, obsType string) quantum.DatasetRef {
	dataID := quantum.DataID{Instrument: "LSSTCam", Exposure: exposure, PhysicalFilter: "r_57"}.WithDetector(detector)
	return quantum.DatasetRef{
		ID:          id,
		DatasetType: "raw",
		DataID:      dataID,
		Exposure:    &quantum.ExposureRecord{Instrument: "LSSTCam", ID: exposure, ObservationType: obsType},
	}
}

func cameraRef() quantum.DatasetRef {
	return quantum.DatasetRef{ID: "camera", DatasetType: "camera", DataID: quantum.DataID{Instrument: "LSSTCam"}}
}

func testGraph(t *testing.T, src string) *Graph {
	t.Helper()
	g, err := BuildGraph(mustParse(t, src))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQuantaGroupsFirstInput(t *testing.T) {
	g := testGraph(t, flatIsr)
	cat := newMemCatalog()
	cat.add(rawRef("r1", 1, 1, "flat"))
	cat.add(rawRef("r2", 1, 2, "flat"))
	cat.add(rawRef("r3", 2, 1, "bias"))
	cat.add(cameraRef())

	qs, err := g.Quanta("isr", cat)
	if err != nil {
		t.Fatalf("quanta: %v", err)
	}
	if len(qs) != 3 {
		t.Fatalf("expected one quantum per exposure+detector, got %d", len(qs))
	}
	if cat.count("camera") != 0 {
		t.Fatalf("building quanta must only look up the first input")
	}
	q := qs[0]
	if len(q.Inputs["ccdExposure"]) != 1 || q.DataID.PhysicalFilter != "r_57" {
		t.Fatalf("unexpected quantum: %+v", q)
	}
	out := q.Outputs["outputExposure"]
	if len(out) != 1 || out[0].DatasetType != "postISRCCD" || out[0].DataID.PhysicalFilter != "" {
		t.Fatalf("unexpected outputs: %+v", q.Outputs)
	}
	if qs[0].ID == qs[1].ID {
		t.Fatalf("quantum IDs must be unique")
	}

	if _, err := g.Quanta("missing", cat); err == nil {
		t.Fatalf("expected unknown label error")
	}
}

func TestSkippedQuantaNeverReachProcessor(t *testing.T) {
	g := testGraph(t, flatIsr)
	cat := newMemCatalog()
	cat.add(rawRef("r1", 1, 1, "FLAT"))
	cat.add(rawRef("r2", 2, 1, "bias"))
	cat.add(rawRef("r3", 3, 1, "dark"))
	cat.add(cameraRef())

	var mu sync.Mutex
	var processed []quantum.Quantum
	proc := ProcessorFunc(func(ctx context.Context, node *TaskNode, q quantum.Quantum) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, q)
		return nil
	})

	p := New(context.Background(), g, quietLogger(), nil,
		WithConcurrency(2), WithCatalog(cat), WithHandler("CptIsrTask", proc))
	defer p.Stop()

	sum, err := p.RunTask(context.Background(), "isr")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Quanta != 3 || sum.Completed != 1 || sum.Skipped != 2 || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %s", sum)
	}
	if len(processed) != 1 || processed[0].Inputs["ccdExposure"][0].ID != "r1" {
		t.Fatalf("only the flat should be processed, got %+v", processed)
	}
	if len(processed[0].Inputs["camera"]) != 1 {
		t.Fatalf("admitted quantum should have its camera resolved: %v", processed[0].InputFields())
	}
	if cat.count("camera") != 1 {
		t.Fatalf("inputs must be fetched once, after admission; got %d camera lookups", cat.count("camera"))
	}
}

func TestFailureDoesNotAffectSiblings(t *testing.T) {
	g := testGraph(t, flatIsr)
	cat := newMemCatalog()
	cat.add(rawRef("r1", 1, 1, "flat"))
	cat.add(rawRef("r2", 2, 1, "flat"))
	cat.add(cameraRef())

	boom := errors.New("boom")
	proc := ProcessorFunc(func(ctx context.Context, node *TaskNode, q quantum.Quantum) error {
		if q.DataID.Exposure == 1 {
			return boom
		}
		return nil
	})
	p := New(context.Background(), g, quietLogger(), nil, WithCatalog(cat), WithHandler("CptIsrTask", proc))
	defer p.Stop()

	sum, err := p.RunTask(context.Background(), "isr")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Completed != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %s", sum)
	}
}

func TestMissingPrerequisiteFails(t *testing.T) {
	g := testGraph(t, flatIsr)
	cat := newMemCatalog()
	cat.add(rawRef("r1", 1, 1, "flat"))

	p := New(context.Background(), g, quietLogger(), nil, WithCatalog(cat))
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()
	qs, err := g.Quanta("isr", cat)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(context.Background(), qs[0]); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case res := <-results:
		if res.Status != StatusFailed || !errors.Is(res.Error, quantum.ErrNoInput) {
			t.Fatalf("expected ErrNoInput failure, got %s %v", res.Status, res.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
}

func TestMissingMetadataFails(t *testing.T) {
	g := testGraph(t, flatIsr)
	cat := newMemCatalog()
	ref := rawRef("r1", 1, 1, "flat")
	ref.Exposure = nil
	cat.add(ref)
	cat.add(cameraRef())

	p := New(context.Background(), g, quietLogger(), nil, WithCatalog(cat))
	defer p.Stop()
	sum, err := p.RunTask(context.Background(), "isr")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 {
		t.Fatalf("absent exposure record should fail the quantum: %s", sum)
	}
}

func TestRunRecordsOutcomesInStore(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	for _, exp := range []quantum.ExposureRecord{
		{Instrument: "LSSTCam", ID: 1, ObservationType: "flat"},
		{Instrument: "LSSTCam", ID: 2, ObservationType: "bias"},
	} {
		if err := store.RecordExposure(exp); err != nil {
			t.Fatal(err)
		}
		rec := storage.DatasetRecord{ID: "raw-" + string(rune('0'+exp.ID)), DatasetType: "raw", DataID: quantum.DataID{Instrument: "LSSTCam", Exposure: exp.ID}.WithDetector(1)}
		if err := store.RecordDataset(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.RecordDataset(storage.DatasetRecord{ID: "camera", DatasetType: "camera", DataID: quantum.DataID{Instrument: "LSSTCam"}}); err != nil {
		t.Fatal(err)
	}

	g := testGraph(t, flatIsr)
	p := New(context.Background(), g, quietLogger(), store, WithConcurrency(2))
	defer p.Stop()

	sums, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sums) != 1 || sums[0].Completed != 1 || sums[0].Skipped != 1 {
		t.Fatalf("unexpected summaries: %v", sums)
	}

	counts, err := store.CountQuanta("isr")
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != 1 || counts["skipped"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	outputs, err := store.FindDatasets("postISRCCD", "LSSTCam")
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 1 || outputs[0].DataID.Exposure != 1 || outputs[0].Run != "cptesting/isr" {
		t.Fatalf("expected the admitted quantum's output registered, got %+v", outputs)
	}
}

func TestSubscriberReceivesEveryResult(t *testing.T) {
	const n = 300
	g := testGraph(t, flatIsr)
	cat := newMemCatalog()
	for i := 1; i <= n; i++ {
		cat.add(rawRef(fmt.Sprintf("r%d", i), int64(i), 1, "flat"))
	}
	cat.add(cameraRef())

	p := New(context.Background(), g, quietLogger(), nil,
		WithConcurrency(4), WithCatalog(cat), WithHandler("CptIsrTask", ProcessorFunc(
			func(ctx context.Context, node *TaskNode, q quantum.Quantum) error { return nil })))
	defer p.Stop()

	results, _ := p.Subscribe()
	received := make(chan int)
	go func() {
		// Start late so the buffer fills and workers have to wait.
		time.Sleep(100 * time.Millisecond)
		count := 0
		for range results {
			count++
		}
		received <- count
	}()

	sum, err := p.RunTask(context.Background(), "isr")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Completed != n {
		t.Fatalf("unexpected summary: %s", sum)
	}
	p.Stop()
	select {
	case got := <-received:
		if got != n {
			t.Fatalf("expected %d results, got %d", n, got)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out draining results")
	}
}

const photodiodeLinearity = `
instrument = "LSSTCam"

[tasks.lin]
class = "CptLinearitySolveTask"

[tasks.lin.config]
usePhotodiode = true
`

func TestPerExposureInputsFollowCarriedRefs(t *testing.T) {
	g := testGraph(t, photodiodeLinearity)
	cat := newMemCatalog()
	cat.add(rawRef("r1", 1, 5, "flat"))
	cat.add(rawRef("r2", 2, 5, "flat"))
	cat.add(cameraRef())
	cat.add(quantum.DatasetRef{ID: "ptc-5", DatasetType: "ptc", DataID: quantum.DataID{Instrument: "LSSTCam"}.WithDetector(5)})
	cat.add(quantum.DatasetRef{ID: "pd-1", DatasetType: "photodiode", DataID: quantum.DataID{Instrument: "LSSTCam", Exposure: 1}})
	cat.add(quantum.DatasetRef{ID: "pd-2", DatasetType: "photodiode", DataID: quantum.DataID{Instrument: "LSSTCam", Exposure: 2}})
	cat.add(quantum.DatasetRef{ID: "pd-3", DatasetType: "photodiode", DataID: quantum.DataID{Instrument: "LSSTCam", Exposure: 3}})

	var mu sync.Mutex
	var processed []quantum.Quantum
	proc := ProcessorFunc(func(ctx context.Context, node *TaskNode, q quantum.Quantum) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, q)
		return nil
	})
	p := New(context.Background(), g, quietLogger(), nil, WithCatalog(cat), WithHandler("CptLinearitySolveTask", proc))
	defer p.Stop()

	sum, err := p.RunTask(context.Background(), "lin")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Quanta != 1 || sum.Completed != 1 {
		t.Fatalf("unexpected summary: %s", sum)
	}
	q := processed[0]
	if len(q.Inputs["dummy"]) != 2 || len(q.Inputs["inputPtc"]) != 1 {
		t.Fatalf("unexpected inputs: %v", q.InputFields())
	}
	pd := q.Inputs["inputPhotodiodeData"]
	if len(pd) != 2 || pd[0].ID != "pd-1" || pd[1].ID != "pd-2" {
		t.Fatalf("expected photodiode readings of exposures 1 and 2, got %+v", pd)
	}
}

func TestSubmitUnknownLabel(t *testing.T) {
	g := testGraph(t, flatIsr)
	p := New(context.Background(), g, quietLogger(), nil)
	defer p.Stop()
	if err := p.Submit(context.Background(), quantum.Quantum{ID: "x", TaskLabel: "nope"}); err == nil {
		t.Fatalf("expected unknown label error")
	}
}
