package classifier

import (
	"errors"
	"fmt"
)

// PolicyVersion is bumped whenever the default weight table changes
const PolicyVersion = 1

// Weights is the per-marker contribution to the obsolescence score.
// A category contributes its weight once when at least one marker is present.
type Weights struct {
	Todo                 int `yaml:"todo" json:"todo"`
	HardcodedPath        int `yaml:"hardcoded_path" json:"hardcoded_path"`
	DeprecatedAPI        int `yaml:"deprecated_api" json:"deprecated_api"`
	MissingErrorHandling int `yaml:"missing_error_handling" json:"missing_error_handling"`
	Experimental         int `yaml:"experimental" json:"experimental"`
}

// Thresholds map a score to a lifecycle state
type Thresholds struct {
	LikelyObsolete     int `yaml:"likely_obsolete" json:"likely_obsolete"`
	DefinitelyObsolete int `yaml:"definitely_obsolete" json:"definitely_obsolete"`
}

// Policy is the versioned scoring table
type Policy struct {
	Version    int        `yaml:"version" json:"version"`
	Weights    Weights    `yaml:"weights" json:"weights"`
	Thresholds Thresholds `yaml:"thresholds" json:"thresholds"`
	ScoreCap   int        `yaml:"score_cap" json:"score_cap"` // 0 disables the cap
}

// DefaultPolicy returns the built-in weight table
func DefaultPolicy() Policy {
	return Policy{
		Version: PolicyVersion,
		Weights: Weights{
			Todo:                 1,
			HardcodedPath:        1,
			DeprecatedAPI:        2,
			MissingErrorHandling: 1,
			Experimental:         1,
		},
		Thresholds: Thresholds{
			LikelyObsolete:     2,
			DefinitelyObsolete: 4,
		},
		ScoreCap: 10,
	}
}

// Validate rejects tables that would break the score-to-state mapping
func (p Policy) Validate() error {
	var errs []error
	if p.Version < 1 {
		errs = append(errs, fmt.Errorf("policy version must be >= 1, got %d", p.Version))
	}
	w := p.Weights
	for name, v := range map[string]int{
		"todo":                   w.Todo,
		"hardcoded_path":         w.HardcodedPath,
		"deprecated_api":         w.DeprecatedAPI,
		"missing_error_handling": w.MissingErrorHandling,
		"experimental":           w.Experimental,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("weight %s must be >= 0, got %d", name, v))
		}
	}
	t := p.Thresholds
	if t.LikelyObsolete < 1 {
		errs = append(errs, fmt.Errorf("likely_obsolete threshold must be >= 1, got %d", t.LikelyObsolete))
	}
	if t.DefinitelyObsolete < t.LikelyObsolete {
		errs = append(errs, fmt.Errorf("definitely_obsolete threshold %d is below likely_obsolete %d",
			t.DefinitelyObsolete, t.LikelyObsolete))
	}
	if p.ScoreCap < 0 {
		errs = append(errs, fmt.Errorf("score_cap must be >= 0, got %d", p.ScoreCap))
	}
	return errors.Join(errs...)
}
