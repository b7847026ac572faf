package query

import (
	"fmt"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/codec"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

// noMore is past every valid DocumentID.
const noMore = uint64(1) << 32

// cursor walks one query term's postings list. doc is always a real
// posting of the decoded block, or noMore.
type cursor struct {
	term   int
	weight float64
	ub     float64
	list   index.PostingsList
	skips  []codec.Skip
	block  *codec.Block
	loaded int
	pos    int
	doc    uint64
}

func (c *cursor) reset(term int, weight float64, list index.PostingsList, block *codec.Block) {
	*c = cursor{
		term:   term,
		weight: weight,
		ub:     weight * list.MaxScore(),
		list:   list,
		skips:  list.Skips(),
		block:  block,
		loaded: -1,
		doc:    noMore,
	}
}

func (c *cursor) start(st *Stats) error {
	if len(c.skips) == 0 {
		c.doc = noMore
		return nil
	}
	if err := c.load(0, st); err != nil {
		return err
	}
	c.doc = uint64(c.block.Docs[0])
	return nil
}

func (c *cursor) load(i int, st *Stats) error {
	if _, err := codec.DecodeBlock(c.list.Block(i), c.block); err != nil {
		return fmt.Errorf("term %d block %d: %w", c.list.TermID(), i, err)
	}
	if c.block.Header.LastDoc != c.skips[i].LastDoc || c.block.N != int(c.skips[i].Count) {
		return fmt.Errorf("%w: term %d block %d disagrees with its skip entry",
			apperrors.ErrCorruptIndex, c.list.TermID(), i)
	}
	c.loaded = i
	c.pos = 0
	st.BlocksDecoded++
	return nil
}

// blockFor returns the first block at or after the loaded one whose last
// doc is >= target, or len(skips).
func (c *cursor) blockFor(target uint64) int {
	from := max(c.loaded, 0)
	if from < len(c.skips) && uint64(c.skips[from].LastDoc) >= target {
		return from
	}
	rest := c.skips[from:]
	return from + sort.Search(len(rest), func(i int) bool {
		return uint64(rest[i].LastDoc) >= target
	})
}

// seek moves to the first posting >= target.
func (c *cursor) seek(target uint64, st *Stats) error {
	if c.doc >= target {
		return nil
	}
	if target >= noMore {
		c.doc = noMore
		return nil
	}
	j := c.blockFor(target)
	if j >= len(c.skips) {
		st.BlocksSkipped += len(c.skips) - c.loaded - 1
		c.doc = noMore
		return nil
	}
	if j != c.loaded {
		st.BlocksSkipped += j - c.loaded - 1
		if err := c.load(j, st); err != nil {
			return err
		}
	}
	for uint64(c.block.Docs[c.pos]) < target {
		c.pos++
	}
	c.doc = uint64(c.block.Docs[c.pos])
	return nil
}

func (c *cursor) freq() uint32 { return c.block.Freqs[c.pos] }

// shallow returns the weighted max score and last doc of the block that
// would hold target, without decoding it.
func (c *cursor) shallow(target uint64) (float64, uint64) {
	j := c.blockFor(target)
	if j >= len(c.skips) {
		return 0, noMore - 1
	}
	return c.weight * c.skips[j].MaxScore, uint64(c.skips[j].LastDoc)
}

// sortCursors orders by current doc, then query position. The slice is
// nearly sorted between steps.
func sortCursors(cs []*cursor) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cursorLess(cs[j], cs[j-1]); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

func cursorLess(a, b *cursor) bool {
	if a.doc != b.doc {
		return a.doc < b.doc
	}
	return a.term < b.term
}
