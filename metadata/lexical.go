package metadata

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/memgo/claim"
)

// BM25 parameters.
const (
	k1 = 1.2
	b  = 0.75
)

// Tokenize normalizes free text into index terms: lowercased, split on
// anything that is not a letter or digit. Indexed content and query text
// go through the same function so terms always line up.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

type posting struct {
	id    claim.LocalID
	count int
}

// lexicalIndex is the inverted index over claim content. Posting lists
// stay sorted by row id because rows are added in arena order; the
// parallel per-term bitmaps serve prefilter set operations.
type lexicalIndex struct {
	postings    map[string][]posting
	bitmaps     map[string]*roaring.Bitmap
	docs        *roaring.Bitmap
	docLengths  []int
	totalLength int64
}

func newLexicalIndex() *lexicalIndex {
	return &lexicalIndex{
		postings: make(map[string][]posting),
		bitmaps:  make(map[string]*roaring.Bitmap),
		docs:     roaring.New(),
	}
}

func (lx *lexicalIndex) add(id claim.LocalID, content string) {
	tokens := Tokenize(content)

	for len(lx.docLengths) <= int(id) {
		lx.docLengths = append(lx.docLengths, 0)
	}
	lx.docLengths[id] = len(tokens)
	lx.totalLength += int64(len(tokens))
	lx.docs.Add(uint32(id))

	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	for t, count := range tf {
		lx.postings[t] = append(lx.postings[t], posting{id: id, count: count})

		bm, ok := lx.bitmaps[t]
		if !ok {
			bm = roaring.New()
			lx.bitmaps[t] = bm
		}
		bm.Add(uint32(id))
	}
}

func (lx *lexicalIndex) remove(id claim.LocalID, content string) {
	if !lx.docs.Contains(uint32(id)) {
		return
	}

	lx.docs.Remove(uint32(id))
	lx.totalLength -= int64(lx.docLengths[id])
	lx.docLengths[id] = 0

	seen := make(map[string]struct{})
	for _, t := range Tokenize(content) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		lx.removeTerm(t, id)
	}
}

func (lx *lexicalIndex) removeTerm(t string, id claim.LocalID) {
	list := lx.postings[t]
	i := sort.Search(len(list), func(i int) bool { return list[i].id >= id })
	if i < len(list) && list[i].id == id {
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(lx.postings, t)
		} else {
			lx.postings[t] = list
		}
	}

	if bm, ok := lx.bitmaps[t]; ok {
		bm.Remove(uint32(id))
		if bm.IsEmpty() {
			delete(lx.bitmaps, t)
		}
	}
}

// termsBitmap combines the per-term bitmaps into a fresh bitmap the
// caller owns: union for TermModeAny, intersection for TermModeAll.
func (lx *lexicalIndex) termsBitmap(terms []string, mode TermMode) *roaring.Bitmap {
	out := roaring.New()

	if mode == TermModeAll {
		for i, t := range terms {
			bm, ok := lx.bitmaps[t]
			if !ok {
				return roaring.New()
			}
			if i == 0 {
				out.Or(bm)
			} else {
				out.And(bm)
			}
			if out.IsEmpty() {
				return out
			}
		}
		return out
	}

	for _, t := range terms {
		if bm, ok := lx.bitmaps[t]; ok {
			out.Or(bm)
		}
	}
	return out
}

// score computes BM25 over every row matching at least one term.
func (lx *lexicalIndex) score(terms []string) map[claim.LocalID]float32 {
	scores := make(map[claim.LocalID]float32)

	docCount := lx.docs.GetCardinality()
	if docCount == 0 {
		return scores
	}
	avgDL := float64(lx.totalLength) / float64(docCount)

	for _, t := range terms {
		list, ok := lx.postings[t]
		if !ok {
			continue
		}

		idf := idf(int(docCount), len(list))
		for _, p := range list {
			tf := float64(p.count)
			docLen := float64(lx.docLengths[p.id])

			num := tf * (k1 + 1)
			denom := tf + k1*(1-b+b*(docLen/avgDL))
			scores[p.id] += float32(idf * (num / denom))
		}
	}

	return scores
}

// idf is log(1 + (N - n + 0.5) / (n + 0.5)).
func idf(docCount, df int) float64 {
	n := float64(df)
	return math.Log(1 + (float64(docCount)-n+0.5)/(n+0.5))
}
