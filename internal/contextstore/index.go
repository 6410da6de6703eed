package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/logging"
)

// index is the semantic search side of the manager. Each session gets its
// own chromem collection so searches never cross session boundaries.
type index struct {
	db     *chromem.DB
	embed  chromem.EmbeddingFunc
	logger *logging.Logger
}

func newIndex(path string, logger *logging.Logger) (*index, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open semantic index: %w", err)
	}
	return &index{
		db:     db,
		embed:  localEmbedding(),
		logger: logger,
	}, nil
}

func collectionName(sessionID string) string {
	return "session-" + sessionID
}

// upsert indexes an item under its session collection. The item's content
// map is flattened to searchable text.
func (ix *index) upsert(ctx context.Context, item *Item) error {
	col, err := ix.db.GetOrCreateCollection(collectionName(item.SessionID), nil, ix.embed)
	if err != nil {
		return fmt.Errorf("failed to open collection for session %s: %w", item.SessionID, err)
	}

	doc := chromem.Document{
		ID:      item.ID,
		Content: itemText(item),
		Metadata: map[string]string{
			"type":      string(item.Type),
			"sessionId": item.SessionID,
		},
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("failed to index item %s: %w", item.ID, err)
	}
	return nil
}

// remove drops evicted items from the session collection. Missing documents
// are not an error; eviction may race a restore that never indexed them.
func (ix *index) remove(ctx context.Context, sessionID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	col := ix.db.GetCollection(collectionName(sessionID), ix.embed)
	if col == nil {
		return
	}
	for _, id := range ids {
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			ix.logger.Debug(ctx, "failed to remove item from semantic index",
				zap.String("session_id", sessionID),
				zap.String("item_id", id),
				zap.Error(err),
			)
		}
	}
}

// search runs a similarity query against the session collection.
func (ix *index) search(ctx context.Context, sessionID, query string, k int) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidItem)
	}
	if k <= 0 {
		k = 5
	}
	col := ix.db.GetCollection(collectionName(sessionID), ix.embed)
	if col == nil {
		return []SearchResult{}, nil
	}
	// chromem requires k <= document count.
	count := col.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if k > count {
		k = count
	}

	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to search session %s: %w", sessionID, err)
	}

	hits := make([]SearchResult, len(results))
	for i, r := range results {
		hits[i] = SearchResult{
			ItemID:     r.ID,
			Content:    r.Content,
			Similarity: r.Similarity,
		}
	}
	return hits, nil
}

// itemText flattens item content into deterministic text for embedding.
// Keys are sorted so the same content always embeds identically.
func itemText(item *Item) string {
	keys := make([]string, 0, len(item.Content))
	for k := range item.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(item.Type))
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(contentString(item.Content[k]))
	}
	return b.String()
}

func contentString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
