package clocksync

import "time"

// Quality grades an offset estimate for display and for the coordinator's
// arming decision. Higher values are better.
type Quality int

const (
	QualityBad Quality = iota
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "EXCELLENT"
	case QualityGood:
		return "GOOD"
	case QualityFair:
		return "FAIR"
	case QualityPoor:
		return "POOR"
	default:
		return "BAD"
	}
}

// Bands holds the uncertainty thresholds separating quality grades. Each band
// is a strict upper bound: uncertainty < ExcellentMs grades EXCELLENT, then
// GoodMs, FairMs, PoorMs, and everything else is BAD. Bands must ascend.
type Bands struct {
	ExcellentMs float64 `yaml:"excellent_ms"`
	GoodMs      float64 `yaml:"good_ms"`
	FairMs      float64 `yaml:"fair_ms"`
	PoorMs      float64 `yaml:"poor_ms"`
}

// DefaultBands returns the default grading thresholds.
func DefaultBands() Bands {
	return Bands{
		ExcellentMs: 2,
		GoodMs:      5,
		FairMs:      15,
		PoorMs:      40,
	}
}

// Grade maps an uncertainty to a quality. An estimate built from fewer than
// minSamples samples is BAD regardless of its apparent uncertainty.
func Grade(uncertaintyMs float64, samples, minSamples int, b Bands) Quality {
	if samples < minSamples {
		return QualityBad
	}
	switch {
	case uncertaintyMs < b.ExcellentMs:
		return QualityExcellent
	case uncertaintyMs < b.GoodMs:
		return QualityGood
	case uncertaintyMs < b.FairMs:
		return QualityFair
	case uncertaintyMs < b.PoorMs:
		return QualityPoor
	default:
		return QualityBad
	}
}

// Config holds clock sync engine configuration.
type Config struct {
	Rounds        int           `yaml:"rounds"`
	Interval      time.Duration `yaml:"interval"`
	RoundTimeout  time.Duration `yaml:"round_timeout"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	WindowSize    int           `yaml:"window_size"`
	BestSamples   int           `yaml:"best_samples"`
	MinSamples    int           `yaml:"min_samples"`
	OutlierFactor float64       `yaml:"outlier_factor"`
	Bands         Bands         `yaml:"bands"`
}

// DefaultConfig returns the default sync engine configuration.
func DefaultConfig() Config {
	return Config{
		Rounds:        32,
		Interval:      40 * time.Millisecond,
		RoundTimeout:  500 * time.Millisecond,
		BackoffMax:    2 * time.Second,
		WindowSize:    16,
		BestSamples:   8,
		MinSamples:    4,
		OutlierFactor: 1.5,
		Bands:         DefaultBands(),
	}
}
