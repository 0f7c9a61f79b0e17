package claim

import "sync"

// RelationTable stores support/contradiction edges as id pairs in a side
// table, keyed by both endpoints. Claims never hold references to each
// other, so cyclic relation graphs carry no lifetime concerns.
type RelationTable struct {
	mu     sync.RWMutex
	edges  []edge
	byFrom map[ID][]int32
	byTo   map[ID][]int32
}

type edge struct {
	From ID
	To   ID
	Kind RelationKind
}

// NewRelationTable creates an empty relation table.
func NewRelationTable() *RelationTable {
	return &RelationTable{
		byFrom: make(map[ID][]int32),
		byTo:   make(map[ID][]int32),
	}
}

// Add records the relations of a newly ingested claim.
func (t *RelationTable) Add(from ID, rels []Relation) {
	if len(rels) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range rels {
		idx := int32(len(t.edges))
		t.edges = append(t.edges, edge{From: from, To: r.Target, Kind: r.Kind})
		t.byFrom[from] = append(t.byFrom[from], idx)
		t.byTo[r.Target] = append(t.byTo[r.Target], idx)
	}
}

// Dominant returns the dominant relation between two claims, considering
// edges in both directions. Contradiction dominates only on a strict
// majority of edges; ties and edge-free pairs report no dominant relation.
func (t *RelationTable) Dominant(a, b ID) (RelationKind, bool) {
	if a == b {
		return 0, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var supports, contradicts int
	count := func(e edge) {
		switch e.Kind {
		case RelationSupports:
			supports++
		case RelationContradicts:
			contradicts++
		}
	}

	for _, idx := range t.byFrom[a] {
		if e := t.edges[idx]; e.To == b {
			count(e)
		}
	}
	for _, idx := range t.byFrom[b] {
		if e := t.edges[idx]; e.To == a {
			count(e)
		}
	}

	if supports == 0 && contradicts == 0 {
		return 0, false
	}
	if contradicts > supports {
		return RelationContradicts, true
	}

	return RelationSupports, true
}

// Degree returns the number of edges touching the claim, in either
// direction.
func (t *RelationTable) Degree(id ID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.byFrom[id]) + len(t.byTo[id])
}

// Len returns the total number of edges.
func (t *RelationTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.edges)
}
