package reduce

import(
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/abworrall/ccd-reduce/pkg/profile"
)

/* Example config file ...

search_half_width: 11
fit_half_width: 21
smooth_fwhm: 6
profile_model: moffat
beta: 4
beta_max: 20
fwhm: 5
fwhm_min: 1.5
thresh: 5
height_min_ref: 10
height_min_nrf: 5
fit_alpha: 0.3
fit_diff: 2
fit_max_shift: 15
extraction_mode: variable
extraction_method: normal
saturation_level: 64000
max_unreliable_streak: 50

*/

const(
	ModeFixed    = "fixed"
	ModeVariable = "variable"

	MethodNormal  = "normal"
	MethodOptimal = "optimal"

	SkyClipped = "clipped"
	SkyMedian  = "median"
)

type Config struct {
	// Locating
	SearchHalfWidth int     `yaml:"search_half_width"` // coarse search window half-width, pixels
	FitHalfWidth    int     `yaml:"fit_half_width"`    // profile fit window half-width, pixels
	SmoothFwhm      float64 `yaml:"smooth_fwhm"`       // FWHM of the pre-search smoothing pass
	ProfileModel    string  `yaml:"profile_model"`     // gaussian | moffat
	Beta            float64 `yaml:"beta"`              // starting moffat exponent
	BetaMax         float64 `yaml:"beta_max"`
	Fwhm            float64 `yaml:"fwhm"`              // starting FWHM, pixels
	FwhmMin         float64 `yaml:"fwhm_min"`
	FwhmFixed       bool    `yaml:"fwhm_fixed"`        // hold FWHM fixed (defocused targets)
	Thresh          float64 `yaml:"thresh"`            // RMS rejection threshold for fits, sigma
	HeightMinRef    float64 `yaml:"height_min_ref"`    // min peak height, reference apertures, counts
	HeightMinNrf    float64 `yaml:"height_min_nrf"`    // min peak height, everything else, counts

	// Reference consensus
	FitAlpha    float64 `yaml:"fit_alpha"`     // shift smoothing factor (0,1]; 0 disables smoothing
	FitDiff     float64 `yaml:"fit_diff"`      // max differential reference shift, pixels
	FitMaxShift float64 `yaml:"fit_max_shift"` // max shift of a dependent from its prediction, pixels

	// Extraction
	ExtractionMode   string  `yaml:"extraction_mode"`   // fixed | variable
	ExtractionMethod string  `yaml:"extraction_method"` // normal | optimal
	Rfac             float64 `yaml:"rfac"`              // variable-mode radius = rfac * fwhm ...
	Rmin             float64 `yaml:"rmin"`              // ... clamped to [rmin, rmax]
	Rmax             float64 `yaml:"rmax"`
	SkyMethod        string  `yaml:"sky_method"` // clipped | median
	SkyThresh        float64 `yaml:"sky_thresh"` // sigma clip for the sky estimate
	Readout          float64 `yaml:"readout"`    // readout noise, RMS counts
	Gain             float64 `yaml:"gain"`       // electrons per count
	SaturationLevel  float64 `yaml:"saturation_level"`

	// Run control
	MaxUnreliableStreak int `yaml:"max_unreliable_streak"` // consecutive failures before LOST
	First               int `yaml:"first"`                 // frame to (re)start at, 1-based
	Verbosity           int `yaml:"verbosity"`

	// Values we derive/compute
	Model profile.Model `yaml:"-"`
}

func NewConfig() Config {
	return Config{
		SearchHalfWidth:     11,
		FitHalfWidth:        21,
		SmoothFwhm:          6,
		ProfileModel:        "gaussian",
		Beta:                4,
		BetaMax:             20,
		Fwhm:                5,
		FwhmMin:             1.5,
		Thresh:              5,
		HeightMinRef:        10,
		HeightMinNrf:        5,
		FitDiff:             2,
		FitMaxShift:         15,
		ExtractionMode:      ModeVariable,
		ExtractionMethod:    MethodNormal,
		Rfac:                1.8,
		Rmin:                6,
		Rmax:                30,
		SkyMethod:           SkyClipped,
		SkyThresh:           3,
		Readout:             4.5,
		Gain:                1.1,
		SaturationLevel:     64000,
		MaxUnreliableStreak: 50,
		First:               1,
	}
}

func LoadConfig(filename string) (Config, error) {
	c := NewConfig()

	contents, err := os.ReadFile(filename)
	if err != nil {
		return c, fmt.Errorf("%w: read '%s': %v", ErrConfiguration, filename, err)
	}
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return c, fmt.Errorf("%w: parse '%s': %v", ErrConfiguration, filename, err)
	}

	return c, c.Finalize()
}

// Finalize does sanity checks and other post-processing.
func (c *Config)Finalize() error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	if c.SearchHalfWidth <= 0 {
		return bad("search_half_width must be > 0, got %d", c.SearchHalfWidth)
	}
	if c.FitHalfWidth <= 0 {
		return bad("fit_half_width must be > 0, got %d", c.FitHalfWidth)
	}
	if c.HeightMinRef < 0 || c.HeightMinNrf < 0 {
		return bad("height_min_ref/height_min_nrf must be >= 0")
	}
	if c.FitDiff <= 0 {
		return bad("fit_diff must be > 0, got %f", c.FitDiff)
	}
	if c.FitAlpha < 0 || c.FitAlpha > 1 {
		return bad("fit_alpha must be in (0,1] (or 0 to disable), got %f", c.FitAlpha)
	}
	if c.Fwhm <= 0 || c.FwhmMin < 0 {
		return bad("fwhm must be > 0 and fwhm_min >= 0")
	}
	if c.Rfac <= 0 || c.Rmin <= 0 || c.Rmax < c.Rmin {
		return bad("need rfac > 0 and 0 < rmin <= rmax")
	}
	if c.Gain <= 0 || c.Readout < 0 {
		return bad("need gain > 0 and readout >= 0")
	}
	if c.MaxUnreliableStreak <= 0 {
		return bad("max_unreliable_streak must be > 0, got %d", c.MaxUnreliableStreak)
	}
	if c.First < 1 {
		return bad("first must be >= 1, got %d", c.First)
	}

	switch c.ExtractionMode {
	case ModeFixed, ModeVariable:
	default:
		return bad("no extraction_mode named '%s'", c.ExtractionMode)
	}

	switch c.ExtractionMethod {
	case MethodNormal, MethodOptimal:
	default:
		return bad("no extraction_method named '%s'", c.ExtractionMethod)
	}

	switch c.SkyMethod {
	case SkyClipped, SkyMedian:
	default:
		return bad("no sky_method named '%s'", c.SkyMethod)
	}

	model, err := profile.ModelFromName(c.ProfileModel)
	if err != nil {
		return bad("%v", err)
	}
	c.Model = model

	return nil
}

func (c Config)AsYaml() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		log.Fatalf("Can't marshal config yaml: %v\n", err)
	}
	return string(b)
}
