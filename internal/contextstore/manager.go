// Package contextstore maintains per-session context windows, a shared
// knowledge graph, and a semantic index over everything a session has
// learned. Incoming items are scrubbed, checked for conflicts against
// related items, resolved, and only then stored, so readers never observe
// two contradictory facts side by side.
package contextstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/logging"
	"github.com/fyrsmithlabs/directord/internal/registry"
	"github.com/fyrsmithlabs/directord/pkg/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/directord/internal/contextstore"

// topEntityCount bounds how many entities a summary reports.
const topEntityCount = 10

// Manager owns context windows, conflict bookkeeping, the knowledge graph,
// and the semantic index. All mutation flows through AddItem.
type Manager struct {
	cfg      config.ContextConfig
	logger   *logging.Logger
	tracer   trace.Tracer
	index    *index
	scrubber *secrets.Scrubber
	registry *registry.Registry

	mu        sync.RWMutex
	windows   map[string]*Window
	items     map[string]*Item
	conflicts []*Conflict
	graph     *knowledgeGraph
	closed    bool
}

// Option configures optional collaborators on the Manager.
type Option func(*Manager)

// WithScrubber enables secret redaction on item content before storage.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(m *Manager) { m.scrubber = s }
}

// WithRegistry records window bindings in session metadata.
func WithRegistry(r *registry.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// NewManager creates a context manager with a persistent semantic index
// rooted at cfg.IndexPath.
func NewManager(cfg config.ContextConfig, logger *logging.Logger, opts ...Option) (*Manager, error) {
	if cfg.WindowMaxSize <= 0 {
		cfg.WindowMaxSize = 100
	}
	if cfg.IndexPath == "" {
		return nil, fmt.Errorf("%w: index path is required", ErrInvalidItem)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	ix, err := newIndex(cfg.IndexPath, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		index:   ix,
		windows: make(map[string]*Window),
		items:   make(map[string]*Item),
		graph:   newKnowledgeGraph(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateWindow creates a bounded context window for a session. Creating a
// window for a session that already has one returns the existing window.
func (m *Manager) CreateWindow(ctx context.Context, sessionID string) (*Window, error) {
	return m.GetOrCreateWindow(ctx, sessionID)
}

// GetOrCreateWindow returns the session's window, creating it on first use
// and recording the binding in session metadata when a registry is wired.
func (m *Manager) GetOrCreateWindow(ctx context.Context, sessionID string) (*Window, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session ID is required", ErrInvalidItem)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	w, ok := m.windows[sessionID]
	if ok {
		out := w.clone()
		m.mu.Unlock()
		return out, nil
	}

	w = &Window{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		MaxSize:   m.cfg.WindowMaxSize,
		RetentionPolicy: RetentionPolicy{
			ImportanceThreshold: m.cfg.ImportanceThreshold,
			MaxAge:              time.Duration(m.cfg.MaxItemAge),
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	m.windows[sessionID] = w
	out := w.clone()
	m.mu.Unlock()

	m.recordWindow(ctx, sessionID, w.ID)

	m.logger.Info(ctx, "created context window",
		zap.String("session_id", sessionID),
		zap.String("window_id", w.ID),
		zap.Int("max_size", w.MaxSize),
	)
	return out, nil
}

// recordWindow stores the window binding on the session. Sessions are not
// required to exist; context can be captured for a session the registry has
// not seen yet.
func (m *Manager) recordWindow(ctx context.Context, sessionID, windowID string) {
	if m.registry == nil {
		return
	}
	_, err := m.registry.UpdateSession(sessionID, registry.SessionUpdate{
		Metadata: map[string]string{"contextWindow": windowID},
	})
	if err != nil {
		m.logger.Warn(ctx, "failed to record context window on session",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// AddItem runs the full ingest pipeline: defaults, scrubbing, conflict
// detection and resolution, storage, window maintenance, graph update, and
// semantic indexing. The returned item is the one actually stored, which
// may be a merged synthesis or nil when an existing item won the conflict.
func (m *Manager) AddItem(ctx context.Context, item *Item) (*Item, error) {
	ctx, span := m.tracer.Start(ctx, "contextstore.AddItem")
	defer span.End()

	if item != nil {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		if item.Timestamp.IsZero() {
			item.Timestamp = time.Now().UTC()
		}
		if item.Confidence == 0 {
			item.Confidence = defaultConfidence
		}
		if item.Importance == 0 {
			item.Importance = defaultImportance
		}
	}
	if err := item.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session_id", item.SessionID),
		attribute.String("item_type", string(item.Type)),
	)

	incoming := item.clone()
	m.scrubContent(ctx, incoming)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	w, ok := m.windows[incoming.SessionID]
	var createdWindow string
	if !ok {
		w = &Window{
			ID:        uuid.New().String(),
			SessionID: incoming.SessionID,
			MaxSize:   m.cfg.WindowMaxSize,
			RetentionPolicy: RetentionPolicy{
				ImportanceThreshold: m.cfg.ImportanceThreshold,
				MaxAge:              time.Duration(m.cfg.MaxItemAge),
			},
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		m.windows[incoming.SessionID] = w
		createdWindow = w.ID
	}

	stored, conflicts := m.resolveAgainstWindow(w, incoming)
	m.conflicts = append(m.conflicts, conflicts...)

	var evicted []string
	if stored != nil {
		w.Items = append(w.Items, stored)
		m.items[stored.ID] = stored
		evicted = m.maintainWindow(w)
		m.graph.observe(stored)
	}
	w.UpdatedAt = time.Now().UTC()

	var out *Item
	if stored != nil {
		out = stored.clone()
	}
	sessionID := w.SessionID
	m.mu.Unlock()

	if createdWindow != "" {
		m.recordWindow(ctx, sessionID, createdWindow)
	}

	if stored != nil {
		if err := m.index.upsert(ctx, stored); err != nil {
			m.logger.Warn(ctx, "failed to index context item",
				zap.String("item_id", stored.ID),
				zap.Error(err),
			)
		}
	}
	m.index.remove(ctx, sessionID, evicted)

	for _, c := range conflicts {
		m.logger.Info(ctx, "context conflict detected",
			zap.String("session_id", c.SessionID),
			zap.String("conflict_type", string(c.Type)),
			zap.String("severity", string(c.Severity)),
			zap.String("strategy", string(c.Strategy)),
			zap.Bool("resolved", c.Resolved),
		)
		contextConflicts.WithLabelValues(string(c.Type), string(c.Severity)).Inc()
	}
	if stored != nil {
		contextItemsAdded.WithLabelValues(string(stored.Type)).Inc()
	}
	span.SetAttributes(attribute.Int("conflicts", len(conflicts)))
	return out, nil
}

// resolveAgainstWindow detects conflicts between the incoming item and the
// window's existing items and folds resolutions into what finally gets
// stored. Resolution happens before storage: the window never holds both
// sides of a settled conflict.
func (m *Manager) resolveAgainstWindow(w *Window, incoming *Item) (*Item, []*Conflict) {
	var conflicts []*Conflict
	stored := incoming

	for _, existing := range w.Items {
		if stored == nil {
			break
		}
		c := detectConflict(stored, existing)
		if c == nil {
			continue
		}

		res := resolve(c, stored, existing)
		c.Resolved = res.resolved
		conflicts = append(conflicts, c)

		if res.evict != "" {
			m.removeFromWindow(w, res.evict)
		}
		stored = res.store
	}
	return stored, conflicts
}

func (m *Manager) removeFromWindow(w *Window, itemID string) {
	for i, it := range w.Items {
		if it.ID == itemID {
			w.Items = append(w.Items[:i], w.Items[i+1:]...)
			delete(m.items, itemID)
			return
		}
	}
}

// maintainWindow evicts low-importance items once the window overflows,
// preferring to keep higher-importance and then more-recent items. Returns
// the IDs removed so the semantic index can drop them too.
func (m *Manager) maintainWindow(w *Window) []string {
	if len(w.Items) <= w.MaxSize {
		return nil
	}

	// Eviction order: lowest importance first, older first on ties.
	candidates := make([]*Item, len(w.Items))
	copy(candidates, w.Items)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Importance != candidates[j].Importance {
			return candidates[i].Importance < candidates[j].Importance
		}
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})

	var evicted []string
	for _, it := range candidates {
		if len(w.Items)-len(evicted) <= w.MaxSize {
			break
		}
		if it.Importance >= w.RetentionPolicy.ImportanceThreshold {
			// Everything left clears the threshold; the window stays
			// over budget rather than dropping important context.
			break
		}
		evicted = append(evicted, it.ID)
	}
	if len(evicted) == 0 {
		return nil
	}

	drop := make(map[string]bool, len(evicted))
	for _, id := range evicted {
		drop[id] = true
	}
	kept := w.Items[:0]
	for _, it := range w.Items {
		if drop[it.ID] {
			delete(m.items, it.ID)
			continue
		}
		kept = append(kept, it)
	}
	w.Items = kept

	m.logger.Debug(context.Background(), "evicted context items",
		zap.String("session_id", w.SessionID),
		zap.Int("evicted", len(evicted)),
	)
	return evicted
}

func (m *Manager) scrubContent(ctx context.Context, item *Item) {
	if m.scrubber == nil || !m.cfg.ScrubSecrets {
		return
	}
	for k, v := range item.Content {
		s, ok := v.(string)
		if !ok {
			continue
		}
		result, err := m.scrubber.Scrub(s)
		if err != nil {
			m.logger.Warn(ctx, "failed to scrub context item content",
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			continue
		}
		if result.Audit.HasRedactions() {
			item.Content[k] = result.Content
			m.logger.Warn(ctx, "redacted secrets from context item",
				zap.String("item_id", item.ID),
				zap.String("content_key", k),
				zap.Int("redactions", result.Audit.Summary.TotalSecrets),
			)
		}
	}
}

// GetWindow returns the session's window.
func (m *Manager) GetWindow(sessionID string) (*Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrWindowNotFound, sessionID)
	}
	return w.clone(), nil
}

// GetItem returns a stored item by ID.
func (m *Manager) GetItem(id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return it.clone(), nil
}

// ListItems returns the session's items in insertion order.
func (m *Manager) ListItems(sessionID string) []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[sessionID]
	if !ok {
		return nil
	}
	out := make([]*Item, len(w.Items))
	for i, it := range w.Items {
		out[i] = it.clone()
	}
	return out
}

// Search runs a semantic similarity query over the session's items.
func (m *Manager) Search(ctx context.Context, sessionID, query string, k int) ([]SearchResult, error) {
	ctx, span := m.tracer.Start(ctx, "contextstore.Search",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	hits, err := m.index.search(ctx, sessionID, query, k)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(hits)))
	return hits, nil
}

// Conflicts returns the conflicts recorded for a session, newest first.
func (m *Manager) Conflicts(sessionID string) []*Conflict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Conflict
	for _, c := range m.conflicts {
		if c.SessionID == sessionID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out
}

// Graph returns a snapshot of the knowledge graph.
func (m *Manager) Graph() Graph {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.graph.snapshot()
}

// Summary condenses the manager state for checkpoint snapshots.
func (m *Manager) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		Windows:     len(m.windows),
		ItemsByType: make(map[ItemType]int),
		TopEntities: m.graph.topEntities(topEntityCount),
		GeneratedAt: time.Now().UTC(),
	}
	for _, w := range m.windows {
		s.Items += len(w.Items)
		for _, it := range w.Items {
			s.ItemsByType[it.Type]++
		}
	}
	s.Conflicts = len(m.conflicts)
	for _, c := range m.conflicts {
		if !c.Resolved {
			s.Unresolved++
		}
	}
	return s
}

// RestoreSummary re-seeds a session's context after a checkpoint restore.
// The summary becomes a single observation item so the restored session
// starts with a record of what it knew.
func (m *Manager) RestoreSummary(ctx context.Context, sessionID string, summary Summary) error {
	item := NewItem(sessionID, TypeObservation, map[string]any{
		"event":      "context restored",
		"items":      summary.Items,
		"windows":    summary.Windows,
		"conflicts":  summary.Conflicts,
		"unresolved": summary.Unresolved,
	})
	item.Importance = 0.7
	item.Tags = []string{"restored"}
	_, err := m.AddItem(ctx, item)
	return err
}

// Close releases the manager. Further mutation returns ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info(context.Background(), "context manager closed",
		zap.Int("windows", len(m.windows)),
		zap.Int("items", len(m.items)),
	)
	return nil
}
