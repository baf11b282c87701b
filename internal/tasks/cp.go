package tasks

import (
	"fmt"

	"cptesting/internal/connections"
)

var (
	dummyRaw = connections.Connection{
		Field:        "dummy",
		DatasetType:  "raw",
		Doc:          "Dummy exposure.",
		Role:         connections.Input,
		StorageClass: "Exposure",
		Dimensions:   []string{"instrument", "exposure", "detector"},
		Multiple:     true,
		DeferLoad:    true,
		Minimum:      1,
	}
	staticCamera = connections.Connection{
		Field:         "camera",
		DatasetType:   "camera",
		Doc:           "Camera Geometry definition.",
		Role:          connections.PrerequisiteInput,
		StorageClass:  "Camera",
		Dimensions:    []string{"instrument"},
		IsCalibration: true,
		Minimum:       1,
		Lookup:        "lookupStaticCalibration",
	}
)

func ptcInput(datasetType string) connections.Connection {
	return calib("inputPtc", datasetType, "PhotonTransferCurveDataset", "Input PTC dataset.", "instrument", "detector")
}

func calibOutput(field, datasetType, storageClass, doc string, dimensions ...string) connections.Connection {
	return connections.Connection{
		Field:         field,
		DatasetType:   datasetType,
		Doc:           doc,
		Role:          connections.Output,
		StorageClass:  storageClass,
		Dimensions:    dimensions,
		IsCalibration: true,
	}
}

// BrighterFatterKernelSolveConfig carries the kernel solver settings through
// to the solver.
type BrighterFatterKernelSolveConfig struct {
	Level                           string   `toml:"level" json:"level"`
	IgnoreAmpsForAveraging          []string `toml:"ignoreAmpsForAveraging" json:"ignoreAmpsForAveraging"`
	CorrelationQuadraticFit         bool     `toml:"correlationQuadraticFit" json:"correlationQuadraticFit"`
	CorrelationModelRadius          int      `toml:"correlationModelRadius" json:"correlationModelRadius"`
	CorrelationModelSlope           float64  `toml:"correlationModelSlope" json:"correlationModelSlope"`
	ForceZeroSum                    bool     `toml:"forceZeroSum" json:"forceZeroSum"`
	UseAmatrix                      bool     `toml:"useAmatrix" json:"useAmatrix"`
	MaxIterSuccessiveOverRelaxation int      `toml:"maxIterSuccessiveOverRelaxation" json:"maxIterSuccessiveOverRelaxation"`
	ELimit                          float64  `toml:"eLimit" json:"eLimit"`
}

func (c *BrighterFatterKernelSolveConfig) Validate() error {
	switch c.Level {
	case "AMP", "DETECTOR":
	default:
		return fmt.Errorf("cptBfkTask: level must be AMP or DETECTOR, got %q", c.Level)
	}
	if c.MaxIterSuccessiveOverRelaxation < 1 {
		return fmt.Errorf("cptBfkTask: maxIterSuccessiveOverRelaxation must be positive")
	}
	return nil
}

// BrighterFatterKernelSolveTask measures the brighter-fatter kernel from a PTC.
type BrighterFatterKernelSolveTask struct{}

func (BrighterFatterKernelSolveTask) Class() string        { return "CptBrighterFatterKernelSolveTask" }
func (BrighterFatterKernelSolveTask) DefaultName() string  { return "cptBfkTask" }
func (BrighterFatterKernelSolveTask) Dimensions() []string { return dims(detectorDims) }

func (BrighterFatterKernelSolveTask) NewConfig() Config {
	return &BrighterFatterKernelSolveConfig{
		Level:                           "AMP",
		CorrelationModelRadius:          100,
		CorrelationModelSlope:           -1.35,
		ForceZeroSum:                    false,
		MaxIterSuccessiveOverRelaxation: 10000,
		ELimit:                          0.0001,
	}
}

var bfkConnections = connections.MustSet(
	dummyRaw,
	staticCamera,
	ptcInput("cptPtc"),
	calibOutput("outputBFK", "cptBrighterFatterKernel", "BrighterFatterKernel", "Output measured brighter-fatter kernel.", "instrument", "detector"),
)

func (BrighterFatterKernelSolveTask) Declared() *connections.Set { return bfkConnections.Clone() }

func (t BrighterFatterKernelSolveTask) Connections(cfg Config) (*connections.Set, error) {
	if _, err := configAs[*BrighterFatterKernelSolveConfig](t.DefaultName(), cfg); err != nil {
		return nil, err
	}
	return bfkConnections.Clone(), nil
}

// LinearitySolveConfig configures the linearity fit.
type LinearitySolveConfig struct {
	LinearityType               string  `toml:"linearityType" json:"linearityType"`
	PolynomialOrder             int     `toml:"polynomialOrder" json:"polynomialOrder"`
	SplineKnots                 int     `toml:"splineKnots" json:"splineKnots"`
	MaxLookupTableAdu           int     `toml:"maxLookupTableAdu" json:"maxLookupTableAdu"`
	MinLinearAdu                float64 `toml:"minLinearAdu" json:"minLinearAdu"`
	MaxLinearAdu                float64 `toml:"maxLinearAdu" json:"maxLinearAdu"`
	UsePhotodiode               bool    `toml:"usePhotodiode" json:"usePhotodiode"`
	PhotodiodeIntegrationMethod string  `toml:"photodiodeIntegrationMethod" json:"photodiodeIntegrationMethod"`
	ApplyPhotodiodeCorrection   bool    `toml:"applyPhotodiodeCorrection" json:"applyPhotodiodeCorrection"`
}

func (c *LinearitySolveConfig) Validate() error {
	switch c.LinearityType {
	case "LookupTable", "Polynomial", "Squared", "Spline", "None":
	default:
		return fmt.Errorf("cptLinearityTask: unsupported linearityType %q", c.LinearityType)
	}
	if c.MinLinearAdu > c.MaxLinearAdu {
		return fmt.Errorf("cptLinearityTask: minLinearAdu %g exceeds maxLinearAdu %g", c.MinLinearAdu, c.MaxLinearAdu)
	}
	return nil
}

// LinearitySolveTask fits the linearizer from a PTC, optionally against
// photodiode readings.
type LinearitySolveTask struct{}

func (LinearitySolveTask) Class() string        { return "CptLinearitySolveTask" }
func (LinearitySolveTask) DefaultName() string  { return "cptLinearityTask" }
func (LinearitySolveTask) Dimensions() []string { return dims(detectorDims) }

func (LinearitySolveTask) NewConfig() Config {
	return &LinearitySolveConfig{
		LinearityType:               "Squared",
		PolynomialOrder:             3,
		SplineKnots:                 10,
		MaxLookupTableAdu:           262144,
		MinLinearAdu:                2000.0,
		MaxLinearAdu:                20000.0,
		PhotodiodeIntegrationMethod: "DIRECT_SUM",
	}
}

var linearityConnections = connections.MustSet(
	dummyRaw,
	staticCamera,
	ptcInput("ptc"),
	connections.Connection{
		Field:        "inputPhotodiodeData",
		DatasetType:  "photodiode",
		Doc:          "Photodiode readings data.",
		Role:         connections.PrerequisiteInput,
		StorageClass: "IsrCalib",
		Dimensions:   []string{"instrument", "exposure"},
		Multiple:     true,
		DeferLoad:    true,
		Minimum:      0,
	},
	calib("inputPhotodiodeCorrection", "pdCorrection", "IsrCalib", "Input photodiode correction.", "instrument"),
	calibOutput("outputLinearizer", "cptLinearity", "Linearizer", "Output linearity measurements.", "instrument", "detector"),
)

func (LinearitySolveTask) Declared() *connections.Set { return linearityConnections.Clone() }

func (t LinearitySolveTask) Connections(cfg Config) (*connections.Set, error) {
	c, err := configAs[*LinearitySolveConfig](t.DefaultName(), cfg)
	if err != nil {
		return nil, err
	}
	return connections.Prune(linearityConnections,
		connections.Drop("applyPhotodiodeCorrection", c.ApplyPhotodiodeCorrection, "inputPhotodiodeCorrection"),
		connections.Drop("usePhotodiode", c.UsePhotodiode, "inputPhotodiodeData"),
	), nil
}

// PhotodiodeCorrectionConfig configures the photodiode correction solve.
type PhotodiodeCorrectionConfig struct {
	ApplyLinearity  bool    `toml:"applyLinearity" json:"applyLinearity"`
	MinimumFlux     float64 `toml:"minimumFlux" json:"minimumFlux"`
	IgnoreDetectors []int   `toml:"ignoreDetectors" json:"ignoreDetectors"`
}

func (c *PhotodiodeCorrectionConfig) Validate() error {
	if c.MinimumFlux < 0 {
		return fmt.Errorf("cptPdCorrTask: minimumFlux must not be negative")
	}
	return nil
}

// PhotodiodeCorrectionTask derives the photodiode correction from a PTC.
type PhotodiodeCorrectionTask struct{}

func (PhotodiodeCorrectionTask) Class() string        { return "CptPhotodiodeCorrectionTask" }
func (PhotodiodeCorrectionTask) DefaultName() string  { return "cptPdCorrTask" }
func (PhotodiodeCorrectionTask) Dimensions() []string { return dims(detectorDims) }

func (PhotodiodeCorrectionTask) NewConfig() Config {
	return &PhotodiodeCorrectionConfig{MinimumFlux: 0}
}

var pdCorrConnections = connections.MustSet(
	ptcInput("ptc"),
	calibOutput("outputPhotodiodeCorrection", "pdCorrection", "IsrCalib", "Correction of photodiode integrals.", "instrument"),
)

func (PhotodiodeCorrectionTask) Declared() *connections.Set { return pdCorrConnections.Clone() }

func (t PhotodiodeCorrectionTask) Connections(cfg Config) (*connections.Set, error) {
	if _, err := configAs[*PhotodiodeCorrectionConfig](t.DefaultName(), cfg); err != nil {
		return nil, err
	}
	return pdCorrConnections.Clone(), nil
}
