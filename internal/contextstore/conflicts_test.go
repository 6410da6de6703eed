package contextstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem(sessionID string, itemType ItemType, content map[string]any) *Item {
	it := NewItem(sessionID, itemType, content)
	it.Importance = defaultImportance
	it.Confidence = defaultConfidence
	return it
}

func TestDetectConflict_RequiresExplicitRelation(t *testing.T) {
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	a := testItem("s1", TypeDecision, map[string]any{"decision": "use postgres"})
	a.Timestamp = base
	b := testItem("s1", TypeDecision, map[string]any{"decision": "use sqlite"})
	b.Timestamp = base.Add(time.Minute)

	assert.Nil(t, detectConflict(b, a), "unrelated items must not conflict")

	b.RelatedContext = []string{a.ID}
	c := detectConflict(b, a)
	require.NotNil(t, c)
	assert.Equal(t, ConflictValue, c.Type)

	// The link works in either direction.
	b.RelatedContext = nil
	a.RelatedContext = []string{b.ID}
	assert.NotNil(t, detectConflict(b, a))
}

func TestDetectConflict_OutsideHourWindow(t *testing.T) {
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	a := testItem("s1", TypeDecision, map[string]any{"decision": "use postgres"})
	a.Timestamp = base
	b := testItem("s1", TypeDecision, map[string]any{"decision": "use sqlite"})
	b.Timestamp = base.Add(61 * time.Minute)
	b.RelatedContext = []string{a.ID}

	assert.Nil(t, detectConflict(b, a), "items more than an hour apart never conflict")

	b.Timestamp = base.Add(59 * time.Minute)
	assert.NotNil(t, detectConflict(b, a))
}

func TestDetectConflict_Classification(t *testing.T) {
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		existing *Item
		incoming *Item
		gap      time.Duration
		want     ConflictType
	}{
		{
			name:     "same type different content is a value conflict",
			existing: testItem("s1", TypeDecision, map[string]any{"decision": "use postgres"}),
			incoming: testItem("s1", TypeDecision, map[string]any{"decision": "use sqlite"}),
			gap:      20 * time.Minute,
			want:     ConflictValue,
		},
		{
			name:     "different types close in time is temporal",
			existing: testItem("s1", TypeObservation, map[string]any{"note": "build green"}),
			incoming: testItem("s1", TypeDecision, map[string]any{"decision": "ship it"}),
			gap:      2 * time.Minute,
			want:     ConflictTemporal,
		},
		{
			name:     "opposing terms across types is semantic",
			existing: testItem("s1", TypeObservation, map[string]any{"note": "deploy success"}),
			incoming: testItem("s1", TypeMessage, map[string]any{"action": "report", "target": "deploy failure"}),
			gap:      30 * time.Minute,
			want:     ConflictSemantic,
		},
		{
			name:     "approved versus rejected is semantic",
			existing: testItem("s1", TypeObservation, map[string]any{"note": "change approved"}),
			incoming: testItem("s1", TypeMessage, map[string]any{"action": "record", "target": "change rejected"}),
			gap:      30 * time.Minute,
			want:     ConflictSemantic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.existing.Timestamp = base
			tt.incoming.Timestamp = base.Add(tt.gap)
			tt.incoming.RelatedContext = []string{tt.existing.ID}

			c := detectConflict(tt.incoming, tt.existing)
			require.NotNil(t, c)
			assert.Equal(t, tt.want, c.Type)
			assert.Equal(t, tt.existing.ID, c.ItemA)
			assert.Equal(t, tt.incoming.ID, c.ItemB)
		})
	}
}

func TestDetectConflict_NoConflictAcrossCleanItems(t *testing.T) {
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// Different types, more than five minutes apart, no opposing terms.
	a := testItem("s1", TypeObservation, map[string]any{"note": "build green"})
	a.Timestamp = base
	b := testItem("s1", TypeDecision, map[string]any{"decision": "ship it"})
	b.Timestamp = base.Add(30 * time.Minute)
	b.RelatedContext = []string{a.ID}

	assert.Nil(t, detectConflict(b, a))
}

func TestConflictSeverity_Bands(t *testing.T) {
	tests := []struct {
		name        string
		impA, confA float64
		impB, confB float64
		want        Severity
	}{
		{"both means at 0.8", 0.8, 0.8, 0.8, 0.8, SeverityCritical},
		{"means straddle 0.8", 0.9, 0.9, 0.7, 0.7, SeverityCritical},
		{"high band", 0.6, 0.7, 0.6, 0.7, SeverityHigh},
		{"confidence drags below high", 0.9, 0.5, 0.9, 0.5, SeverityMedium},
		{"medium band", 0.4, 0.4, 0.4, 0.4, SeverityMedium},
		{"low when either mean misses", 0.3, 0.9, 0.3, 0.9, SeverityLow},
		{"low at the bottom", 0.1, 0.1, 0.1, 0.1, SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Item{Importance: tt.impA, Confidence: tt.confA}
			b := &Item{Importance: tt.impB, Confidence: tt.confB}
			assert.Equal(t, tt.want, conflictSeverity(a, b))
		})
	}
}

func TestResolutionStrategy_Mapping(t *testing.T) {
	assert.Equal(t, StrategyWeightedAverage, resolutionStrategy(ConflictValue, SeverityCritical))
	assert.Equal(t, StrategyWeightedAverage, resolutionStrategy(ConflictValue, SeverityLow))
	assert.Equal(t, StrategyLatestWins, resolutionStrategy(ConflictTemporal, SeverityHigh))
	assert.Equal(t, StrategyManualReview, resolutionStrategy(ConflictSemantic, SeverityCritical))
	assert.Equal(t, StrategyHighestPriority, resolutionStrategy(ConflictSemantic, SeverityHigh))
	assert.Equal(t, StrategyHighestPriority, resolutionStrategy(ConflictSemantic, SeverityLow))
}

func TestMergeItems_WeightedConfidence(t *testing.T) {
	incoming := testItem("s1", TypeDecision, map[string]any{"decision": "use sqlite"})
	incoming.Importance = 0.4
	incoming.Confidence = 0.5
	existing := testItem("s1", TypeDecision, map[string]any{"decision": "use postgres", "reason": "scale"})
	existing.Importance = 0.6
	existing.Confidence = 0.9

	merged := mergeItems(incoming, existing)

	assert.NotEqual(t, incoming.ID, merged.ID)
	assert.NotEqual(t, existing.ID, merged.ID)
	assert.InDelta(t, 0.74, merged.Confidence, 1e-9, "confidence is the importance-weighted average")
	assert.Equal(t, 0.6, merged.Importance, "importance is the max of the pair")
	assert.Equal(t, "use sqlite", merged.Content["decision"], "incoming wins key collisions")
	assert.Equal(t, "scale", merged.Content["reason"], "existing fills missing keys")
	assert.True(t, merged.HasTag("resolved"))
	assert.Contains(t, merged.RelatedContext, existing.ID)
}
