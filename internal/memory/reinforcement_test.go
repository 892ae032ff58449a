package memory

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func recordAt(imp, conf float64, last time.Time) Record {
	return Record{ID: "r1", Summary: "s", Importance: imp, Confidence: conf, LastAccessed: last}
}

func TestUpdateImportance(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("recall with no elapsed time strictly increases", func(t *testing.T) {
		for _, imp := range []float64{0.05, 0.1, 0.5, 0.9, 0.97} {
			got := UpdateImportance(recordAt(imp, 0.5, now), now, true)
			assert.Greater(t, got.Importance, imp, "importance %v", imp)
		}
	})

	t.Run("diminishing returns near the ceiling", func(t *testing.T) {
		low := UpdateImportance(recordAt(0.2, 0.5, now), now, true).Importance - 0.2
		high := UpdateImportance(recordAt(0.8, 0.5, now), now, true).Importance - 0.8
		assert.Greater(t, low, high)
		assert.InDelta(t, 0.08*0.64, low, 1e-9)
	})

	t.Run("decay without recall", func(t *testing.T) {
		last := now.Add(-100 * 24 * time.Hour)
		got := UpdateImportance(recordAt(0.6, 0.5, last), now, false)
		assert.InDelta(t, 0.6*math.Exp(-0.5), got.Importance, 1e-9)
		assert.Equal(t, now, got.LastAccessed)
	})

	t.Run("long absence reaches the floor regardless of recall", func(t *testing.T) {
		last := now.Add(-100 * 365 * 24 * time.Hour)
		recalled := UpdateImportance(recordAt(0.9, 0.5, last), now, true)
		idle := UpdateImportance(recordAt(0.9, 0.5, last), now, false)
		assert.InDelta(t, ScoreFloor, idle.Importance, 1e-9)
		assert.Less(t, recalled.Importance, 0.1)
	})

	t.Run("future timestamps do not inflate", func(t *testing.T) {
		got := UpdateImportance(recordAt(0.5, 0.5, now.Add(time.Hour)), now, false)
		assert.InDelta(t, 0.5, got.Importance, 1e-9)
	})
}

func TestUpdateConfidence(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		conf      float64
		match     float64
		confirmed bool
		want      float64
	}{
		{name: "confirmed full match", conf: 0.5, match: 1, confirmed: true, want: 0.5 + 0.5*0.05},
		{name: "confirmed partial match", conf: 0.5, match: 0.8, confirmed: true, want: 0.5 + 0.5*0.05*0.8},
		{name: "unconfirmed mismatch penalizes", conf: 0.5, match: 0.2, confirmed: false, want: 0.5 * (1 - 0.05*0.8)},
		{name: "unconfirmed full match keeps value", conf: 0.5, match: 1, confirmed: false, want: 0.5},
		{name: "clamped to ceiling", conf: 0.98, match: 1, confirmed: true, want: ScoreCeiling},
		{name: "clamped to floor", conf: 0.01, match: 0, confirmed: false, want: ScoreFloor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UpdateConfidence(recordAt(0.5, tt.conf, now), now, tt.match, tt.confirmed)
			assert.InDelta(t, tt.want, got.Confidence, 1e-9)
			assert.Equal(t, now, got.LastAccessed)
		})
	}
}

func TestClampInvariant(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	scores := []float64{-1, 0, 0.04, 0.05, 0.3, 0.97, 0.98, 1, 2, math.NaN()}
	ages := []time.Duration{0, time.Hour, 30 * 24 * time.Hour, 10 * 365 * 24 * time.Hour, -time.Hour}
	matches := []float64{-0.5, 0, 0.5, 1, 1.5}

	for _, s := range scores {
		for _, age := range ages {
			for _, match := range matches {
				for _, flag := range []bool{true, false} {
					r := recordAt(s, s, now.Add(-age))
					imp := UpdateImportance(r, now, flag).Importance
					conf := UpdateConfidence(r, now, match, flag).Confidence
					assert.GreaterOrEqual(t, imp, ScoreFloor)
					assert.LessOrEqual(t, imp, ScoreCeiling)
					assert.GreaterOrEqual(t, conf, ScoreFloor)
					assert.LessOrEqual(t, conf, ScoreCeiling)
				}
			}
		}
	}
}

func TestReinforce(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-10 * 24 * time.Hour)
	m := DefaultModel()

	got := m.Reinforce(recordAt(0.5, 0.5, last), now, 0.9)

	decay := math.Exp(-0.005 * 10)
	wantImp := 0.5*decay + 0.08*(1-0.5*decay)*(1-0.5*decay)
	wantConf := 0.5*decay + (1-0.5*decay)*0.05*0.9
	assert.InDelta(t, wantImp, got.Importance, 1e-9)
	assert.InDelta(t, wantConf, got.Confidence, 1e-9)
	assert.Equal(t, now, got.LastAccessed)
}

func TestModelApplyDefaults(t *testing.T) {
	t.Parallel()
	m := Model{ImportanceAlpha: 0.2}
	m.ApplyDefaults()
	assert.Equal(t, 0.2, m.ImportanceAlpha)
	assert.Equal(t, DefaultDecayRate, m.DecayRate)
	assert.Equal(t, ScoreFloor, m.Floor)
	assert.Equal(t, ScoreCeiling, m.Ceiling)
}
