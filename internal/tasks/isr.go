package tasks

import (
	"fmt"

	"cptesting/internal/connections"
	"cptesting/internal/quantum"
)

// IsrQAConfig holds the quality-assurance switches of IsrConfig.
type IsrQAConfig struct {
	DoThumbnailOss       bool `toml:"doThumbnailOss" json:"doThumbnailOss"`
	DoThumbnailFlattened bool `toml:"doThumbnailFlattened" json:"doThumbnailFlattened"`
}

// IsrConfig configures the instrument-signature-removal task that consumes
// no prerequisite calibrations beyond the camera.
type IsrConfig struct {
	DoBias                      bool `toml:"doBias" json:"doBias"`
	DoLinearize                 bool `toml:"doLinearize" json:"doLinearize"`
	DoCrosstalk                 bool `toml:"doCrosstalk" json:"doCrosstalk"`
	DoBrighterFatter            bool `toml:"doBrighterFatter" json:"doBrighterFatter"`
	DoDefect                    bool `toml:"doDefect" json:"doDefect"`
	DoDark                      bool `toml:"doDark" json:"doDark"`
	DoFlat                      bool `toml:"doFlat" json:"doFlat"`
	DoFringe                    bool `toml:"doFringe" json:"doFringe"`
	DoStrayLight                bool `toml:"doStrayLight" json:"doStrayLight"`
	UsePtcGains                 bool `toml:"usePtcGains" json:"usePtcGains"`
	UsePtcReadNoise             bool `toml:"usePtcReadNoise" json:"usePtcReadNoise"`
	DoAttachTransmissionCurve   bool `toml:"doAttachTransmissionCurve" json:"doAttachTransmissionCurve"`
	DoUseOpticsTransmission     bool `toml:"doUseOpticsTransmission" json:"doUseOpticsTransmission"`
	DoUseFilterTransmission     bool `toml:"doUseFilterTransmission" json:"doUseFilterTransmission"`
	DoUseSensorTransmission     bool `toml:"doUseSensorTransmission" json:"doUseSensorTransmission"`
	DoUseAtmosphereTransmission bool `toml:"doUseAtmosphereTransmission" json:"doUseAtmosphereTransmission"`
	DoIlluminationCorrection    bool `toml:"doIlluminationCorrection" json:"doIlluminationCorrection"`
	DoWrite                     bool `toml:"doWrite" json:"doWrite"`
	DoSaveInterpPixels          bool `toml:"doSaveInterpPixels" json:"doSaveInterpPixels"`

	QA IsrQAConfig `toml:"qa" json:"qa"`

	// Type of exposures that should be processed. Empty processes all.
	ExpectedExposureType string `toml:"expectedExposureType" json:"expectedExposureType"`
	// Further restrict processed exposures by observation_reason.
	ExpectedObservationReason string `toml:"expectedObservationReason" json:"expectedObservationReason"`
	// "observation_type" (default) or "header".
	ExposureTypeSource string `toml:"exposureTypeSource" json:"exposureTypeSource"`
	// Header keyword consulted when ExposureTypeSource is "header".
	ExposureTypeKeyword string `toml:"exposureTypeKeyword" json:"exposureTypeKeyword"`
}

func (c *IsrConfig) Validate() error {
	if err := quantum.ValidateSource(c.ExposureTypeSource); err != nil {
		return fmt.Errorf("cptIsrTask: %w", err)
	}
	return nil
}

// Policy returns the admission predicates configured for the task.
func (c *IsrConfig) Policy() quantum.Policy {
	return quantum.Policy{
		ExpectedExposureType:      c.ExpectedExposureType,
		ExpectedObservationReason: c.ExpectedObservationReason,
		Source:                    c.ExposureTypeSource,
		Keyword:                   c.ExposureTypeKeyword,
	}
}

// IsrTask is the ISR variant used while building calibrations.
type IsrTask struct{}

func (IsrTask) Class() string        { return "CptIsrTask" }
func (IsrTask) DefaultName() string  { return "cptIsrTask" }
func (IsrTask) Dimensions() []string { return dims(exposureDims) }

func (IsrTask) NewConfig() Config {
	return &IsrConfig{
		DoBias:                      true,
		DoLinearize:                 true,
		DoDefect:                    true,
		DoDark:                      true,
		DoFlat:                      true,
		DoFringe:                    true,
		DoUseOpticsTransmission:     true,
		DoUseFilterTransmission:     true,
		DoUseSensorTransmission:     true,
		DoUseAtmosphereTransmission: true,
		DoWrite:                     true,
		QA: IsrQAConfig{
			DoThumbnailOss:       true,
			DoThumbnailFlattened: true,
		},
		ExposureTypeSource:  quantum.SourceObservationType,
		ExposureTypeKeyword: quantum.DefaultTypeKeyword,
	}
}

var isrConnections = connections.MustSet(
	connections.Connection{
		Field:        "ccdExposure",
		DatasetType:  "raw",
		Doc:          "Input exposure to process.",
		Role:         connections.Input,
		StorageClass: "Exposure",
		Dimensions:   []string{"instrument", "exposure", "detector"},
		Minimum:      1,
	},
	connections.Connection{
		Field:         "camera",
		DatasetType:   "camera",
		Doc:           "Input camera to construct complete exposures.",
		Role:          connections.PrerequisiteInput,
		StorageClass:  "Camera",
		Dimensions:    []string{"instrument"},
		IsCalibration: true,
		Minimum:       1,
	},
	calib("crosstalk", "crosstalk", "CrosstalkCalib", "Input crosstalk object", "instrument", "detector"),
	connections.Connection{
		Field:        "crosstalkSources",
		DatasetType:  "isrOverscanCorrected",
		Doc:          "Overscan corrected input images.",
		Role:         connections.Input,
		StorageClass: "Exposure",
		Dimensions:   []string{"instrument", "exposure", "detector"},
		Multiple:     true,
		DeferLoad:    true,
		Minimum:      1,
	},
	calib("bias", "bias", "ExposureF", "Input bias calibration.", "instrument", "detector"),
	calib("dark", "dark", "ExposureF", "Input dark calibration.", "instrument", "detector"),
	calib("flat", "flat", "ExposureF", "Input flat calibration.", "instrument", "physical_filter", "detector"),
	calib("ptc", "ptc", "PhotonTransferCurveDataset", "Input Photon Transfer Curve dataset", "instrument", "detector"),
	calib("fringes", "fringe", "ExposureF", "Input fringe calibration.", "instrument", "physical_filter", "detector"),
	deferred(calib("strayLightData", "yBackground", "StrayLightData", "Input stray light calibration.", "instrument", "physical_filter", "detector")),
	calib("bfKernel", "bfKernel", "NumpyArray", "Input brighter-fatter kernel.", "instrument"),
	calib("newBFKernel", "brighterFatterKernel", "BrighterFatterKernel", "Newer complete kernel + gain solutions.", "instrument", "detector"),
	calib("defects", "defects", "Defects", "Input defect tables.", "instrument", "detector"),
	calib("linearizer", "linearizer", "Linearizer", "Linearity correction calibration.", "instrument", "detector"),
	calib("opticsTransmission", "transmission_optics", "TransmissionCurve", "Transmission curve due to the optics.", "instrument"),
	calib("filterTransmission", "transmission_filter", "TransmissionCurve", "Transmission curve due to the filter.", "instrument", "physical_filter"),
	calib("sensorTransmission", "transmission_sensor", "TransmissionCurve", "Transmission curve due to the sensor.", "instrument", "detector"),
	calib("atmosphereTransmission", "transmission_atmosphere", "TransmissionCurve", "Transmission curve due to the atmosphere.", "instrument"),
	calib("illumMaskedImage", "illum", "MaskedImageF", "Input illumination correction.", "instrument", "physical_filter", "detector"),
	output("outputExposure", "postISRCCD", "Exposure", "Output ISR processed exposure."),
	output("preInterpExposure", "preInterpISRCCD", "ExposureF", "Output ISR processed exposure, with pixels left uninterpolated."),
	output("outputOssThumbnail", "OssThumb", "Thumbnail", "Output Overscan-subtracted thumbnail image."),
	output("outputFlattenedThumbnail", "FlattenedThumb", "Thumbnail", "Output flat-corrected thumbnail image."),
)

func (IsrTask) Declared() *connections.Set { return isrConnections.Clone() }

func (t IsrTask) Connections(cfg Config) (*connections.Set, error) {
	c, err := configAs[*IsrConfig](t.DefaultName(), cfg)
	if err != nil {
		return nil, err
	}
	return connections.Prune(isrConnections, isrRules(c)...), nil
}

// isrRules lists the pruning rules in evaluation order. Coarse gates come
// before the finer gates that refine them.
func isrRules(c *IsrConfig) []connections.Rule {
	return []connections.Rule{
		connections.Drop("doBias", c.DoBias, "bias"),
		connections.Drop("doLinearize", c.DoLinearize, "linearizer"),
		connections.Drop("doCrosstalk", c.DoCrosstalk, "crosstalkSources", "crosstalk"),
		connections.Drop("doBrighterFatter", c.DoBrighterFatter, "bfKernel", "newBFKernel"),
		connections.Drop("doDefect", c.DoDefect, "defects"),
		connections.Drop("doDark", c.DoDark, "dark"),
		connections.Drop("doFlat", c.DoFlat, "flat"),
		connections.Drop("doFringe", c.DoFringe, "fringes"),
		connections.Drop("doStrayLight", c.DoStrayLight, "strayLightData"),
		connections.Drop("usePtcGains|usePtcReadNoise", c.UsePtcGains || c.UsePtcReadNoise, "ptc"),
		connections.Drop("doAttachTransmissionCurve", c.DoAttachTransmissionCurve,
			"opticsTransmission", "filterTransmission", "sensorTransmission", "atmosphereTransmission"),
		connections.Drop("doUseOpticsTransmission", c.DoUseOpticsTransmission, "opticsTransmission"),
		connections.Drop("doUseFilterTransmission", c.DoUseFilterTransmission, "filterTransmission"),
		connections.Drop("doUseSensorTransmission", c.DoUseSensorTransmission, "sensorTransmission"),
		connections.Drop("doUseAtmosphereTransmission", c.DoUseAtmosphereTransmission, "atmosphereTransmission"),
		connections.Drop("doIlluminationCorrection", c.DoIlluminationCorrection, "illumMaskedImage"),
		connections.Drop("doWrite", c.DoWrite,
			"outputExposure", "preInterpExposure", "outputFlattenedThumbnail", "outputOssThumbnail"),
		connections.Drop("doSaveInterpPixels", c.DoSaveInterpPixels, "preInterpExposure"),
		connections.Drop("qa.doThumbnailOss", c.QA.DoThumbnailOss, "outputOssThumbnail"),
		connections.Drop("qa.doThumbnailFlattened", c.QA.DoThumbnailFlattened, "outputFlattenedThumbnail"),
	}
}

// AdjustQuantum admits q only when the first ccdExposure ref matches the
// configured exposure type and observation reason. Inputs and outputs of an
// admitted quantum pass through unchanged.
func (t IsrTask) AdjustQuantum(cfg Config, q quantum.Quantum) (quantum.Decision, error) {
	c, err := configAs[*IsrConfig](t.DefaultName(), cfg)
	if err != nil {
		return quantum.Decision{}, err
	}
	ref, err := q.FirstRef("ccdExposure")
	if err != nil {
		return quantum.Decision{}, err
	}
	ok, reason, err := c.Policy().Evaluate(ref)
	if err != nil {
		return quantum.Decision{}, err
	}
	if !ok {
		return quantum.Skip("input exposure is not requested type: " + reason), nil
	}
	return quantum.Admit(q), nil
}

func calib(field, datasetType, storageClass, doc string, dimensions ...string) connections.Connection {
	return connections.Connection{
		Field:         field,
		DatasetType:   datasetType,
		Doc:           doc,
		Role:          connections.Input,
		StorageClass:  storageClass,
		Dimensions:    dimensions,
		IsCalibration: true,
		Minimum:       1,
	}
}

func deferred(c connections.Connection) connections.Connection {
	c.DeferLoad = true
	return c
}

func output(field, datasetType, storageClass, doc string) connections.Connection {
	return connections.Connection{
		Field:        field,
		DatasetType:  datasetType,
		Doc:          doc,
		Role:         connections.Output,
		StorageClass: storageClass,
		Dimensions:   []string{"instrument", "exposure", "detector"},
	}
}
