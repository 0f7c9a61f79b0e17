package metadata

// TermMode selects how multiple lexical terms combine during
// prefiltering.
type TermMode int

const (
	// TermModeAny admits rows matching at least one term.
	TermModeAny TermMode = iota
	// TermModeAll admits only rows matching every term.
	TermModeAll
)

func (m TermMode) String() string {
	switch m {
	case TermModeAny:
		return "any"
	case TermModeAll:
		return "all"
	default:
		return "unknown"
	}
}

// Filters is a prefilter request. Every supplied kind narrows the
// candidate set and the kinds intersect.
type Filters struct {
	// Terms restricts rows by content. Entries are tokenized with
	// Tokenize, so raw words and free-text phrases both work.
	Terms    []string
	TermMode TermMode

	// Entities restricts rows to those tagged with every listed entity.
	Entities []string

	// Window restricts rows by event time.
	Window *TimeWindow
}

// Empty reports whether no filter kind is active.
func (f Filters) Empty() bool {
	return len(f.Terms) == 0 && len(f.Entities) == 0 && f.Window == nil
}

// PrefilterStats reports candidate counts per active filter kind and the
// fused total.
type PrefilterStats struct {
	LexicalActive  bool
	LexicalCount   uint64
	EntityActive   bool
	EntityCount    uint64
	TemporalActive bool
	TemporalCount  uint64
	FusedCount     uint64
}
