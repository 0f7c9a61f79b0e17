package metadata

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/memgo/claim"
)

// entityIndex maps entity tags to the rows carrying them. Matching is
// exact; tags are not normalized.
type entityIndex struct {
	tags map[string]*roaring.Bitmap
}

func newEntityIndex() *entityIndex {
	return &entityIndex{tags: make(map[string]*roaring.Bitmap)}
}

func (ex *entityIndex) add(id claim.LocalID, entities []string) {
	for _, tag := range entities {
		bm, ok := ex.tags[tag]
		if !ok {
			bm = roaring.New()
			ex.tags[tag] = bm
		}
		bm.Add(uint32(id))
	}
}

func (ex *entityIndex) remove(id claim.LocalID, entities []string) {
	for _, tag := range entities {
		bm, ok := ex.tags[tag]
		if !ok {
			continue
		}
		bm.Remove(uint32(id))
		if bm.IsEmpty() {
			delete(ex.tags, tag)
		}
	}
}

// tagsBitmap intersects the bitmaps of the requested tags: a row must
// carry every one of them. Returns a fresh bitmap the caller owns.
func (ex *entityIndex) tagsBitmap(entities []string) *roaring.Bitmap {
	out := roaring.New()

	for i, tag := range entities {
		bm, ok := ex.tags[tag]
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
