package pipeline

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"cptesting/internal/tasks"
)

func TestProtocolBBuilds(t *testing.T) {
	def, err := Load(filepath.Join("..", "..", "pipelines", "protocolB.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.Instrument != "LSSTCam" {
		t.Fatalf("instrument: %q", g.Instrument)
	}
	want := []string{"cptBfk", "cptIsr", "cptPdCorr", "cptLinearity"}
	if got := g.Labels(); !slices.Equal(got, want) {
		t.Fatalf("order: got %v, want %v", got, want)
	}

	isr, _ := g.Task("cptIsr")
	if isr.Connections.Has("flat") || !isr.Connections.Has("ptc") || !isr.Connections.Has("dark") {
		t.Fatalf("isr connections do not follow config: %v", isr.Connections.Fields())
	}
	if cfg := isr.Config.(*tasks.IsrConfig); cfg.ExpectedExposureType != "flat" || cfg.QA.DoThumbnailOss {
		t.Fatalf("config table not applied: %+v", cfg)
	}

	pd := g.DatasetTypes["pdCorrection"]
	if pd == nil || pd.Producer != "cptPdCorr" || !slices.Equal(pd.Consumers, []string{"cptLinearity"}) {
		t.Fatalf("pdCorrection node: %+v", pd)
	}
	if !slices.Contains(g.OverallInputs(), "raw") || slices.Contains(g.OverallInputs(), "pdCorrection") {
		t.Fatalf("overall inputs: %v", g.OverallInputs())
	}
}

const isrOnly = `
description = "isr only"
instrument = "LSSTCam"

[tasks.isr]
class = "CptIsrTask"
`

func mustParse(t *testing.T, src string) *Definition {
	t.Helper()
	def, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return def
}

func TestBuildGraphUnknownClass(t *testing.T) {
	def := mustParse(t, strings.Replace(isrOnly, "CptIsrTask", "IsrTask", 1))
	if _, err := BuildGraph(def); !errors.Is(err, tasks.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestBuildGraphUnknownConfigKey(t *testing.T) {
	def := mustParse(t, isrOnly+"\n[tasks.isr.config]\ndoMagic = true\n")
	if _, err := BuildGraph(def); err == nil || !strings.Contains(err.Error(), "unknown configuration field") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsBadDefinitions(t *testing.T) {
	for name, src := range map[string]string{
		"no tasks":   `description = "empty"`,
		"no class":   "[tasks.isr]\n",
		"unknown":    isrOnly + "\nowner = \"me\"\n",
		"bad syntax": "[tasks.isr\n",
	} {
		if _, err := Parse([]byte(src)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestOverrides(t *testing.T) {
	def := mustParse(t, isrOnly)
	for _, o := range []string{"expectedExposureType=flat", "qa.doThumbnailOss = false", "doWrite=true"} {
		if err := def.Override("isr", o); err != nil {
			t.Fatalf("override %s: %v", o, err)
		}
	}
	g, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	node, _ := g.Task("isr")
	cfg := node.Config.(*tasks.IsrConfig)
	if cfg.ExpectedExposureType != "flat" || cfg.QA.DoThumbnailOss {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if node.Connections.Has("outputOssThumbnail") {
		t.Fatalf("pruner should see overridden config")
	}

	if err := def.Override("nope", "doWrite=true"); err == nil {
		t.Fatalf("expected unknown label error")
	}
	if err := def.Override("isr", "doWrite"); err == nil {
		t.Fatalf("expected malformed assignment error")
	}
	bad := mustParse(t, isrOnly)
	_ = bad.Override("isr", "doWrite=sometimes")
	if _, err := BuildGraph(bad); err == nil {
		t.Fatalf("expected type mismatch to fail")
	}
	bad = mustParse(t, isrOnly)
	_ = bad.Override("isr", "exposureTypeSource=exif")
	if _, err := BuildGraph(bad); err == nil {
		t.Fatalf("expected validation failure")
	}
}

func TestOverrideStringFieldWithLiteral(t *testing.T) {
	node, err := ResolveTask("CptIsrTask", "expectedObservationReason=2025", "expectedExposureType=true")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cfg := node.Config.(*tasks.IsrConfig)
	if cfg.ExpectedObservationReason != "2025" || cfg.ExpectedExposureType != "true" {
		t.Fatalf("literals should land as strings: %+v", cfg)
	}

	cfg = tasks.IsrTask{}.NewConfig().(*tasks.IsrConfig)
	if err := ApplyOverride(cfg, "doWrite=2025"); err == nil {
		t.Fatalf("expected type mismatch for a bool field")
	}
	if err := ApplyOverride(cfg, "noSuchField=2025"); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestDuplicateProducer(t *testing.T) {
	def := mustParse(t, isrOnly+"\n[tasks.isr2]\nclass = \"cptIsrTask\"\n")
	if _, err := BuildGraph(def); err == nil || !strings.Contains(err.Error(), "produced by both") {
		t.Fatalf("expected duplicate producer error, got %v", err)
	}
}

func TestStorageClassConflict(t *testing.T) {
	g := &Graph{DatasetTypes: map[string]*DatasetTypeNode{}}
	isr := tasks.IsrTask{}.Declared()
	raw, _ := isr.Get("ccdExposure")
	if err := g.addDatasetType("a", raw); err != nil {
		t.Fatal(err)
	}
	raw.StorageClass = "ExposureF"
	if err := g.addDatasetType("b", raw); err == nil {
		t.Fatalf("expected storage class conflict")
	}
}

func TestSortTasksDetectsCycle(t *testing.T) {
	g := &Graph{DatasetTypes: map[string]*DatasetTypeNode{
		"a": {Name: "a", Producer: "x", Consumers: []string{"y"}},
		"b": {Name: "b", Producer: "y", Consumers: []string{"x"}},
	}}
	_, err := g.sortTasks([]*TaskNode{{Label: "x"}, {Label: "y"}})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}
