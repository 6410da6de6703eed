package contextstore

import (
	"time"

	"github.com/google/uuid"
)

const (
	// conflictWindow bounds how far apart two items may be and still
	// conflict. Items further apart describe different moments, not a
	// disagreement.
	conflictWindow = time.Hour
	// temporalProximity is the gap below which ordering between two items
	// becomes ambiguous.
	temporalProximity = 5 * time.Minute
)

// antonymPairs are term pairs whose co-occurrence across two related items
// signals a semantic contradiction.
var antonymPairs = [][2]string{
	{"success", "failure"},
	{"pass", "fail"},
	{"enabled", "disabled"},
	{"approved", "rejected"},
	{"valid", "invalid"},
}

// detectConflict classifies the disagreement between an incoming item and an
// existing one, or returns nil when they coexist cleanly. Only items that
// explicitly reference each other are compared; unrelated items in the same
// session never conflict.
func detectConflict(incoming, existing *Item) *Conflict {
	if !incoming.relatedTo(existing) {
		return nil
	}
	gap := incoming.Timestamp.Sub(existing.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap > conflictWindow {
		return nil
	}

	ctype, ok := classifyConflict(incoming, existing, gap)
	if !ok {
		return nil
	}

	severity := conflictSeverity(incoming, existing)
	return &Conflict{
		ID:         uuid.New().String(),
		SessionID:  incoming.SessionID,
		Type:       ctype,
		ItemA:      existing.ID,
		ItemB:      incoming.ID,
		Severity:   severity,
		Strategy:   resolutionStrategy(ctype, severity),
		DetectedAt: time.Now().UTC(),
	}
}

// classifyConflict checks the three conflict shapes in order of specificity.
// A pair that qualifies for more than one shape is reported once, as the
// first match.
func classifyConflict(incoming, existing *Item, gap time.Duration) (ConflictType, bool) {
	if incoming.Type == existing.Type && itemText(incoming) != itemText(existing) {
		return ConflictValue, true
	}
	if gap <= temporalProximity {
		return ConflictTemporal, true
	}
	if containsAntonyms(incoming, existing) {
		return ConflictSemantic, true
	}
	return "", false
}

func containsAntonyms(a, b *Item) bool {
	tokensA := tokenSet(itemText(a))
	tokensB := tokenSet(itemText(b))
	for _, pair := range antonymPairs {
		if (tokensA[pair[0]] && tokensB[pair[1]]) || (tokensA[pair[1]] && tokensB[pair[0]]) {
			return true
		}
	}
	return false
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(text) {
		set[tok] = true
	}
	return set
}

// conflictSeverity grades a conflict by the mean importance and mean
// confidence of the two items. Both means must clear a band's floor.
func conflictSeverity(a, b *Item) Severity {
	meanImportance := (a.Importance + b.Importance) / 2
	meanConfidence := (a.Confidence + b.Confidence) / 2
	switch {
	case meanImportance >= 0.8 && meanConfidence >= 0.8:
		return SeverityCritical
	case meanImportance >= 0.6 && meanConfidence >= 0.6:
		return SeverityHigh
	case meanImportance >= 0.4 && meanConfidence >= 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// resolutionStrategy maps a conflict to how it is resolved. Semantic
// contradictions between high-quality items are the one case a human must
// arbitrate; everything else resolves automatically.
func resolutionStrategy(ctype ConflictType, severity Severity) Strategy {
	switch ctype {
	case ConflictValue:
		return StrategyWeightedAverage
	case ConflictTemporal:
		return StrategyLatestWins
	case ConflictSemantic:
		if severity == SeverityCritical {
			return StrategyManualReview
		}
		return StrategyHighestPriority
	default:
		return StrategyManualReview
	}
}

// resolution is the outcome of applying a strategy to a conflicting pair.
type resolution struct {
	// store is the item to persist, nil when the existing item wins and
	// the incoming one is discarded.
	store *Item
	// evict names an existing item the resolution displaced.
	evict string
	// resolved reports whether the conflict is settled.
	resolved bool
}

// resolve applies the conflict's strategy to the pair. The incoming item is
// never mutated; merged or tagged results are fresh copies.
func resolve(c *Conflict, incoming, existing *Item) resolution {
	switch c.Strategy {
	case StrategyLatestWins:
		if incoming.Timestamp.After(existing.Timestamp) {
			return resolution{store: incoming, evict: existing.ID, resolved: true}
		}
		return resolution{resolved: true}

	case StrategyHighestPriority:
		if incoming.Importance >= existing.Importance {
			return resolution{store: incoming, evict: existing.ID, resolved: true}
		}
		return resolution{resolved: true}

	case StrategyWeightedAverage:
		return resolution{store: mergeItems(incoming, existing), evict: existing.ID, resolved: true}

	default:
		flagged := incoming.clone()
		if !flagged.HasTag("needs-review") {
			flagged.Tags = append(flagged.Tags, "needs-review")
		}
		return resolution{store: flagged}
	}
}

// mergeItems synthesizes one item from a conflicting pair. Content is the
// union with the incoming item winning key collisions, importance is the max,
// and confidence is the importance-weighted average, so the item a session
// cared more about pulls the merged confidence toward its own.
func mergeItems(incoming, existing *Item) *Item {
	merged := incoming.clone()
	merged.ID = uuid.New().String()
	for k, v := range existing.Content {
		if _, ok := merged.Content[k]; !ok {
			merged.Content[k] = v
		}
	}

	weight := incoming.Importance + existing.Importance
	if weight > 0 {
		merged.Confidence = (incoming.Importance*incoming.Confidence + existing.Importance*existing.Confidence) / weight
	} else {
		merged.Confidence = (incoming.Confidence + existing.Confidence) / 2
	}
	if existing.Importance > merged.Importance {
		merged.Importance = existing.Importance
	}
	merged.RelatedContext = appendSource(merged.RelatedContext, existing.ID)
	if !merged.HasTag("resolved") {
		merged.Tags = append(merged.Tags, "resolved")
	}
	return merged
}
