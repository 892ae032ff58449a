package memory

import (
	"math"
	"time"
)

// Reinforcement defaults.
const (
	DefaultDecayRate       = 0.005 // per day
	DefaultImportanceAlpha = 0.08
	DefaultConfidenceRate  = 0.05
	DefaultMatchScore      = 0.8

	ScoreFloor   = 0.05
	ScoreCeiling = 0.98
)

// Model holds the parameters of the importance/confidence reinforcement model.
//
// All methods are pure: they take the record by value and return the
// updated copy without touching storage.
type Model struct {
	DecayRate       float64
	ImportanceAlpha float64
	ConfidenceRate  float64
	Floor           float64
	Ceiling         float64
}

// DefaultModel returns the model with default parameters.
func DefaultModel() Model {
	return Model{
		DecayRate:       DefaultDecayRate,
		ImportanceAlpha: DefaultImportanceAlpha,
		ConfidenceRate:  DefaultConfidenceRate,
		Floor:           ScoreFloor,
		Ceiling:         ScoreCeiling,
	}
}

// ApplyDefaults fills zero-valued parameters.
func (m *Model) ApplyDefaults() {
	d := DefaultModel()
	if m.DecayRate <= 0 {
		m.DecayRate = d.DecayRate
	}
	if m.ImportanceAlpha <= 0 {
		m.ImportanceAlpha = d.ImportanceAlpha
	}
	if m.ConfidenceRate <= 0 {
		m.ConfidenceRate = d.ConfidenceRate
	}
	if m.Floor <= 0 {
		m.Floor = d.Floor
	}
	if m.Ceiling <= 0 || m.Ceiling <= m.Floor {
		m.Ceiling = d.Ceiling
	}
}

// UpdateImportance decays importance by the time since last access and,
// when recalled, adds alpha*(1-i)^2.
func (m Model) UpdateImportance(r Record, now time.Time, recalled bool) Record {
	imp := r.Importance * m.decay(r.LastAccessed, now)
	if recalled {
		imp += m.ImportanceAlpha * (1 - imp) * (1 - imp)
	}
	r.Importance = clamp(imp, m.Floor, m.Ceiling)
	r.LastAccessed = now
	return r
}

// UpdateConfidence decays confidence by elapsed time, then moves it toward 1
// in proportion to matchScore when confirmed, or shrinks it in proportion to
// 1-matchScore when not.
func (m Model) UpdateConfidence(r Record, now time.Time, matchScore float64, confirmed bool) Record {
	matchScore = clamp(matchScore, 0, 1)
	conf := r.Confidence * m.decay(r.LastAccessed, now)
	if confirmed {
		conf += (1 - conf) * m.ConfidenceRate * matchScore
	} else {
		conf *= 1 - m.ConfidenceRate*(1-matchScore)
	}
	r.Confidence = clamp(conf, m.Floor, m.Ceiling)
	r.LastAccessed = now
	return r
}

// Reinforce applies a recall: importance with recalled=true, then confidence
// confirmed at matchScore. Both scores decay over the same interval since the
// previous access.
func (m Model) Reinforce(r Record, now time.Time, matchScore float64) Record {
	decayed := r.LastAccessed
	r = m.UpdateImportance(r, now, true)
	r.LastAccessed = decayed
	return m.UpdateConfidence(r, now, matchScore, true)
}

func (m Model) decay(last, now time.Time) float64 {
	if last.IsZero() {
		return 1
	}
	days := now.Sub(last).Hours() / 24
	if days <= 0 {
		return 1
	}
	return math.Exp(-m.DecayRate * days)
}

// UpdateImportance applies the default model.
func UpdateImportance(r Record, now time.Time, recalled bool) Record {
	return DefaultModel().UpdateImportance(r, now, recalled)
}

// UpdateConfidence applies the default model.
func UpdateConfidence(r Record, now time.Time, matchScore float64, confirmed bool) Record {
	return DefaultModel().UpdateConfidence(r, now, matchScore, confirmed)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
