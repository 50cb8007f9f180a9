// Package match classifies platform search candidates against user input.
package match

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/citation"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/party"
)

// Config holds classification thresholds.
type Config struct {
	VolumeTolerance    int     `yaml:"volume_tolerance" mapstructure:"volume_tolerance"`
	VolumePenalty      float64 `yaml:"volume_penalty" mapstructure:"volume_penalty"`
	SimilarVolumeFloor float64 `yaml:"similar_volume_floor" mapstructure:"similar_volume_floor"`
	PartyThreshold     float64 `yaml:"party_threshold" mapstructure:"party_threshold"`
	YearMatchFloor     float64 `yaml:"year_match_floor" mapstructure:"year_match_floor"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		VolumeTolerance:    1,
		VolumePenalty:      0.05,
		SimilarVolumeFloor: 0.8,
		PartyThreshold:     0.5,
		YearMatchFloor:     0.5,
	}
}

// Validate checks that the floors are strictly ordered inside (0,1).
func (c Config) Validate() error {
	if c.VolumeTolerance < 0 {
		return eris.New("match: volume_tolerance must be >= 0")
	}
	if c.VolumePenalty < 0 {
		return eris.New("match: volume_penalty must be >= 0")
	}
	if !(0 < c.YearMatchFloor && c.YearMatchFloor < c.SimilarVolumeFloor && c.SimilarVolumeFloor < 1) {
		return eris.Errorf("match: floors must satisfy 0 < year_match_floor (%.2f) < similar_volume_floor (%.2f) < 1",
			c.YearMatchFloor, c.SimilarVolumeFloor)
	}
	if c.PartyThreshold < 0 || c.PartyThreshold > 1 {
		return eris.Errorf("match: party_threshold %.2f outside [0,1]", c.PartyThreshold)
	}
	return nil
}

// Input is the user side of a comparison.
type Input struct {
	Citation *model.ParsedCitation
	Year     int
	Party    model.NormalizedParty
}

// InputFor builds the comparison input for a case.
func InputFor(c *model.CaseJob) Input {
	in := Input{Citation: c.Citation, Year: c.Year, Party: c.Party}
	if in.Year == 0 && c.Citation != nil {
		in.Year = c.Citation.Year
	}
	return in
}

// Classifier scores candidates. It is safe for concurrent use.
type Classifier struct {
	cfg Config
}

// NewClassifier validates cfg and returns a Classifier.
func NewClassifier(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg}, nil
}

// Config returns the classifier thresholds.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Classify returns exactly one match type for every candidate. The
// candidate's civil-procedure flag is carried through unchanged.
func (c *Classifier) Classify(in Input, cand model.CandidateResult) model.MatchResult {
	res := model.MatchResult{Candidate: cand, MatchType: model.MatchNone}

	candCites := candidateCitations(cand)

	if in.Citation != nil && in.Citation.Known() {
		for _, cc := range candCites {
			mt, score, tol := c.compareCitations(*in.Citation, cc)
			if mt.Rank() > res.MatchType.Rank() || (mt == res.MatchType && score > res.Score) {
				res.MatchType, res.Score, res.VolumeToleranceApplied = mt, score, tol
			}
		}
		if res.MatchType.Strong() {
			return res
		}
	}

	sim := party.SimilarityText(in.Party, cand.Parties)
	if yearAgrees(in.Year, cand, candCites) && sim >= c.cfg.PartyThreshold {
		score := math.Max(sim, c.cfg.YearMatchFloor)
		score = math.Min(score, math.Nextafter(c.cfg.SimilarVolumeFloor, 0))
		res.MatchType, res.Score = model.MatchYearOnly, score
		return res
	}

	res.MatchType = model.MatchNone
	res.Score = math.Min(sim, math.Nextafter(c.cfg.YearMatchFloor, 0))
	return res
}

// ClassifyAll classifies and ranks every candidate.
func (c *Classifier) ClassifyAll(in Input, cands []model.CandidateResult) []model.MatchResult {
	out := make([]model.MatchResult, 0, len(cands))
	for _, cand := range cands {
		out = append(out, c.Classify(in, cand))
	}
	Rank(out)
	return out
}

func (c *Classifier) compareCitations(user, cand model.ParsedCitation) (model.MatchType, float64, bool) {
	if !citation.SameExceptVolume(user, cand) {
		return model.MatchNone, 0, false
	}
	if user.Volume == nil && cand.Volume == nil {
		return model.MatchExact, 1, false
	}
	delta, ok := citation.VolumeDelta(user, cand)
	if !ok {
		return model.MatchNone, 0, false
	}
	if delta == 0 {
		return model.MatchExact, 1, false
	}
	if delta > c.cfg.VolumeTolerance {
		return model.MatchNone, 0, false
	}
	score := 1 - c.cfg.VolumePenalty*float64(delta)
	score = math.Max(score, c.cfg.SimilarVolumeFloor)
	score = math.Min(score, math.Nextafter(1, 0))
	return model.MatchSimilarVolume, score, true
}

func candidateCitations(cand model.CandidateResult) []model.ParsedCitation {
	out := citation.ParseAll(cand.Citation)
	for _, r := range cand.Reporters {
		out = append(out, citation.ParseAll(r)...)
	}
	return out
}

// yearAgrees reports whether the candidate year matches the user year. A
// missing user year agrees with everything.
func yearAgrees(userYear int, cand model.CandidateResult, cites []model.ParsedCitation) bool {
	if userYear == 0 {
		return true
	}
	if cand.Year == userYear {
		return true
	}
	if cand.DecisionDate != nil && cand.DecisionDate.Year() == userYear {
		return true
	}
	for _, cc := range cites {
		if cc.Year == userYear {
			return true
		}
	}
	return false
}

// Rank orders results by match type, then score, strongest first.
func Rank(results []model.MatchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		ri, rj := results[i].MatchType.Rank(), results[j].MatchType.Rank()
		if ri != rj {
			return ri > rj
		}
		return results[i].Score > results[j].Score
	})
}

// Usable reports whether any result reaches year_match_only or better.
func Usable(results []model.MatchResult) bool {
	for _, r := range results {
		if r.MatchType.Usable() {
			return true
		}
	}
	return false
}
