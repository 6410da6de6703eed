package contextstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors returned by the context manager.
var (
	// ErrInvalidItem indicates the item failed validation.
	ErrInvalidItem = errors.New("invalid context item")
	// ErrWindowNotFound indicates no window exists for the session.
	ErrWindowNotFound = errors.New("context window not found")
	// ErrItemNotFound indicates the item does not exist.
	ErrItemNotFound = errors.New("context item not found")
	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("context manager is closed")
)

// Default scoring applied when an item arrives without explicit values.
const (
	defaultConfidence = 0.8
	defaultImportance = 0.5
)

// ItemType classifies a context item.
type ItemType string

// Context item types.
const (
	TypeMessage     ItemType = "message"
	TypeDecision    ItemType = "decision"
	TypeArtifact    ItemType = "artifact"
	TypeObservation ItemType = "observation"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case TypeMessage, TypeDecision, TypeArtifact, TypeObservation:
		return true
	}
	return false
}

// Item is a single unit of session context.
type Item struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionId"`
	Type           ItemType       `json:"type"`
	Content        map[string]any `json:"content"`
	Importance     float64        `json:"importance"`
	Confidence     float64        `json:"confidence"`
	Tags           []string       `json:"tags,omitempty"`
	RelatedContext []string       `json:"relatedContext,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewItem creates an item with a fresh ID and timestamp.
func NewItem(sessionID string, itemType ItemType, content map[string]any) *Item {
	return &Item{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      itemType,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the item for required fields.
func (it *Item) Validate() error {
	if it == nil {
		return fmt.Errorf("%w: item is nil", ErrInvalidItem)
	}
	if it.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", ErrInvalidItem)
	}
	if !it.Type.Valid() {
		return fmt.Errorf("%w: unknown item type %q", ErrInvalidItem, it.Type)
	}
	if len(it.Content) == 0 {
		return fmt.Errorf("%w: content is required", ErrInvalidItem)
	}
	if it.Importance < 0 || it.Importance > 1 {
		return fmt.Errorf("%w: importance %.2f out of range [0,1]", ErrInvalidItem, it.Importance)
	}
	if it.Confidence < 0 || it.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f out of range [0,1]", ErrInvalidItem, it.Confidence)
	}
	return nil
}

// HasTag reports whether the item carries the given tag.
func (it *Item) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// relatedTo reports whether either item references the other.
func (it *Item) relatedTo(other *Item) bool {
	for _, id := range it.RelatedContext {
		if id == other.ID {
			return true
		}
	}
	for _, id := range other.RelatedContext {
		if id == it.ID {
			return true
		}
	}
	return false
}

func (it *Item) clone() *Item {
	cp := *it
	if it.Content != nil {
		cp.Content = make(map[string]any, len(it.Content))
		for k, v := range it.Content {
			cp.Content[k] = v
		}
	}
	cp.Tags = append([]string(nil), it.Tags...)
	cp.RelatedContext = append([]string(nil), it.RelatedContext...)
	return &cp
}

// RetentionPolicy controls eviction from a context window.
type RetentionPolicy struct {
	// ImportanceThreshold is the score below which items are eviction
	// candidates when the window overflows.
	ImportanceThreshold float64 `json:"importanceThreshold"`
	// MaxAge bounds how long items are kept regardless of importance.
	// Zero disables age-based eviction.
	MaxAge time.Duration `json:"maxAge"`
}

// Window is a bounded, ordered view of a session's context.
type Window struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	Items           []*Item         `json:"items"`
	MaxSize         int             `json:"maxSize"`
	RetentionPolicy RetentionPolicy `json:"retentionPolicy"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func (w *Window) clone() *Window {
	cp := *w
	cp.Items = make([]*Item, len(w.Items))
	for i, it := range w.Items {
		cp.Items[i] = it.clone()
	}
	return &cp
}

// ConflictType classifies how two context items disagree.
type ConflictType string

// Conflict types.
const (
	// ConflictValue marks items of the same type with different content.
	ConflictValue ConflictType = "value"
	// ConflictTemporal marks items recorded close enough in time that
	// ordering between them is ambiguous.
	ConflictTemporal ConflictType = "temporal"
	// ConflictSemantic marks items whose content carries opposing terms.
	ConflictSemantic ConflictType = "semantic"
)

// Severity grades a conflict by the quality of the items involved.
type Severity string

// Conflict severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy names a conflict resolution approach.
type Strategy string

// Resolution strategies.
const (
	// StrategyLatestWins keeps the more recent item.
	StrategyLatestWins Strategy = "latest_wins"
	// StrategyHighestPriority keeps the more important item.
	StrategyHighestPriority Strategy = "highest_priority"
	// StrategyWeightedAverage synthesizes a merged item.
	StrategyWeightedAverage Strategy = "weighted_average"
	// StrategyManualReview stores the item unresolved for an operator.
	StrategyManualReview Strategy = "manual_review"
)

// Conflict records a detected disagreement between two items.
type Conflict struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionId"`
	Type       ConflictType `json:"type"`
	ItemA      string       `json:"itemA"`
	ItemB      string       `json:"itemB"`
	Severity   Severity     `json:"severity"`
	Strategy   Strategy     `json:"strategy"`
	Resolved   bool         `json:"resolved"`
	DetectedAt time.Time    `json:"detectedAt"`
}

// Node is a knowledge graph entity.
type Node struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Label      string            `json:"label"`
	Properties map[string]string `json:"properties,omitempty"`
	Confidence float64           `json:"confidence"`
	Sources    []string          `json:"sources,omitempty"`
}

func (n *Node) clone() *Node {
	cp := *n
	if n.Properties != nil {
		cp.Properties = make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			cp.Properties[k] = v
		}
	}
	cp.Sources = append([]string(nil), n.Sources...)
	return &cp
}

// Edge is a directed relation between two graph nodes.
type Edge struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Relation   string   `json:"relation"`
	Weight     float64  `json:"weight"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources,omitempty"`
}

func (e *Edge) clone() *Edge {
	cp := *e
	cp.Sources = append([]string(nil), e.Sources...)
	return &cp
}

// Graph is a point-in-time snapshot of the knowledge graph.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Entity pairs a graph label with its degree, for summaries.
type Entity struct {
	Label  string `json:"label"`
	Type   string `json:"type"`
	Degree int    `json:"degree"`
}

// Summary condenses the manager state for checkpoints and restores.
type Summary struct {
	Windows     int              `json:"windows"`
	Items       int              `json:"items"`
	ItemsByType map[ItemType]int `json:"itemsByType"`
	Conflicts   int              `json:"conflicts"`
	Unresolved  int              `json:"unresolved"`
	TopEntities []Entity         `json:"topEntities,omitempty"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// SearchResult is a semantic search hit.
type SearchResult struct {
	ItemID     string  `json:"itemId"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}
