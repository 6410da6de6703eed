package contextstore

import (
	"sort"
	"strings"
)

// knowledgeGraph accumulates entities and relations extracted from context
// items. Confidence on nodes and edges only ever rises: re-observing an
// entity takes the max of the stored and incoming confidence, never less.
// Callers hold the manager lock; the graph itself is not goroutine safe.
type knowledgeGraph struct {
	nodes map[string]*Node
	edges map[string]*Edge
}

func newKnowledgeGraph() *knowledgeGraph {
	return &knowledgeGraph{
		nodes: make(map[string]*Node),
		edges: make(map[string]*Edge),
	}
}

// entity is an extracted reference before it becomes a graph node.
type entity struct {
	kind  string
	label string
}

func (e entity) nodeID() string {
	return e.kind + ":" + strings.ToLower(e.label)
}

// extractEntities pulls graph-worthy references out of an item by type.
// Messages name an action and a target, decisions name the decision itself,
// artifacts name the produced artifact. Observations carry free-form content
// and contribute nothing to the graph.
func extractEntities(item *Item) []entity {
	var out []entity
	add := func(kind, key string) {
		if v, ok := item.Content[key].(string); ok && v != "" {
			out = append(out, entity{kind: kind, label: v})
		}
	}
	switch item.Type {
	case TypeMessage:
		add("action", "action")
		add("target", "target")
	case TypeDecision:
		add("decision", "decision")
	case TypeArtifact:
		add("artifact", "name")
	}
	return out
}

// observe folds one item into the graph: every extracted entity becomes a
// node, and every pair of entities co-occurring in the item becomes an edge.
func (g *knowledgeGraph) observe(item *Item) {
	entities := extractEntities(item)
	for _, ent := range entities {
		g.mergeNode(ent, item)
	}
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			g.mergeEdge(entities[i], entities[j], item)
		}
	}
}

func (g *knowledgeGraph) mergeNode(ent entity, item *Item) {
	id := ent.nodeID()
	node, ok := g.nodes[id]
	if !ok {
		node = &Node{
			ID:         id,
			Type:       ent.kind,
			Label:      ent.label,
			Properties: map[string]string{"sessionId": item.SessionID},
			Confidence: item.Confidence,
		}
		g.nodes[id] = node
	}
	if item.Confidence > node.Confidence {
		node.Confidence = item.Confidence
	}
	node.Sources = appendSource(node.Sources, item.ID)
}

func (g *knowledgeGraph) mergeEdge(a, b entity, item *Item) {
	src, dst := a.nodeID(), b.nodeID()
	key := src + "|co_occurs|" + dst
	edge, ok := g.edges[key]
	if !ok {
		edge = &Edge{
			Source:     src,
			Target:     dst,
			Relation:   "co_occurs",
			Confidence: item.Confidence,
		}
		g.edges[key] = edge
	}
	edge.Weight++
	if item.Confidence > edge.Confidence {
		edge.Confidence = item.Confidence
	}
	edge.Sources = appendSource(edge.Sources, item.ID)
}

// snapshot returns a deep copy with deterministic ordering.
func (g *knowledgeGraph) snapshot() Graph {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n.clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, e.clone())
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})

	return Graph{Nodes: nodes, Edges: edges}
}

// topEntities ranks nodes by degree, ties broken by label.
func (g *knowledgeGraph) topEntities(n int) []Entity {
	degree := make(map[string]int, len(g.nodes))
	for _, e := range g.edges {
		degree[e.Source]++
		degree[e.Target]++
	}

	out := make([]Entity, 0, len(g.nodes))
	for id, node := range g.nodes {
		out = append(out, Entity{
			Label:  node.Label,
			Type:   node.Type,
			Degree: degree[id],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Degree != out[j].Degree {
			return out[i].Degree > out[j].Degree
		}
		return out[i].Label < out[j].Label
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func appendSource(sources []string, id string) []string {
	for _, s := range sources {
		if s == id {
			return sources
		}
	}
	return append(sources, id)
}
