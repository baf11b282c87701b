package tasks

import (
	"errors"
	"slices"
	"testing"
)

func TestLinearityPhotodiodeRules(t *testing.T) {
	cases := []struct {
		usePD, applyCorr bool
		wantData         bool
		wantCorr         bool
	}{
		{false, false, false, false},
		{true, false, true, false},
		{false, true, false, true},
		{true, true, true, true},
	}
	for _, tc := range cases {
		cfg := LinearitySolveTask{}.NewConfig().(*LinearitySolveConfig)
		cfg.UsePhotodiode = tc.usePD
		cfg.ApplyPhotodiodeCorrection = tc.applyCorr
		set, err := LinearitySolveTask{}.Connections(cfg)
		if err != nil {
			t.Fatalf("connections: %v", err)
		}
		if set.Has("inputPhotodiodeData") != tc.wantData {
			t.Errorf("usePhotodiode=%v: inputPhotodiodeData present=%v", tc.usePD, !tc.wantData)
		}
		if set.Has("inputPhotodiodeCorrection") != tc.wantCorr {
			t.Errorf("applyPhotodiodeCorrection=%v: inputPhotodiodeCorrection present=%v", tc.applyCorr, !tc.wantCorr)
		}
		for _, f := range []string{"dummy", "camera", "inputPtc", "outputLinearizer"} {
			if !set.Has(f) {
				t.Errorf("%s must always be present", f)
			}
		}
	}
}

func TestUnprunedTasksKeepDeclaredSlots(t *testing.T) {
	for _, task := range []Task{BrighterFatterKernelSolveTask{}, PhotodiodeCorrectionTask{}} {
		set, err := task.Connections(task.NewConfig())
		if err != nil {
			t.Fatalf("%s: %v", task.Class(), err)
		}
		if !set.Equal(task.Declared()) {
			t.Fatalf("%s: expected declared slots, got %v", task.Class(), set.Fields())
		}
	}
}

func TestDefaultConfigsValidate(t *testing.T) {
	for _, class := range Classes() {
		task, err := Lookup(class)
		if err != nil {
			t.Fatalf("lookup %s: %v", class, err)
		}
		if err := task.NewConfig().Validate(); err != nil {
			t.Errorf("%s default config invalid: %v", class, err)
		}
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"CptIsrTask", "cptIsrTask", "cptBfkTask", "CptLinearitySolveTask", "cptPdCorrTask"} {
		if _, err := Lookup(name); err != nil {
			t.Errorf("lookup %s: %v", name, err)
		}
	}
	if _, err := Lookup("IsrTask"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	want := []string{"CptBrighterFatterKernelSolveTask", "CptIsrTask", "CptLinearitySolveTask", "CptPhotodiodeCorrectionTask"}
	if got := Classes(); !slices.Equal(got, want) {
		t.Fatalf("classes: %v", got)
	}
}

func TestBfkValidate(t *testing.T) {
	cfg := BrighterFatterKernelSolveTask{}.NewConfig().(*BrighterFatterKernelSolveConfig)
	cfg.Level = "CCD"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid level to fail")
	}
}
