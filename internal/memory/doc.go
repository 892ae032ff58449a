// Package memory defines the long-term memory data model and the
// reinforcement model that scores it.
//
// A Candidate is what extraction proposes; NewRecord validates it and applies
// defaults at the boundary. A Record carries importance and confidence scores
// that decay with time since last access and are reinforced on recall:
//
//	m := memory.DefaultModel()
//	r = m.UpdateImportance(r, time.Now(), true)
//	r = m.UpdateConfidence(r, time.Now(), 0.85, true)
//
// After any update both scores lie in [ScoreFloor, ScoreCeiling].
package memory
