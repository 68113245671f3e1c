package gadget

import (
	"errors"
	"fmt"

	"github.com/apex/log"

	"roper/internal/elfx"
	"roper/internal/miner"
)

var (
	// ErrMinerUnavailable is returned when catalog construction is
	// attempted without a gadget miner.
	ErrMinerUnavailable = errors.New("gadget: no gadget miner available")

	// ErrNoBinaries is returned when catalog construction is attempted
	// with nothing to mine.
	ErrNoBinaries = errors.New("gadget: no binaries to load gadgets from")
)

// Options configures catalog construction.
type Options struct {
	CacheDir string // "" uses DefaultCacheDir
}

// Build mines, classifies and merges the gadget catalogs of every
// binary. Per-binary results are cached by content digest; a hit skips
// mining for that binary entirely. Gadget addresses are rebased to each
// binary's configured base before caching and merging. When two binaries
// yield a gadget at the same address, the later binary wins; nothing
// selects between them beyond load order.
func Build(bins []*elfx.File, m miner.Miner, opts Options) (*Catalog, error) {
	if len(bins) == 0 {
		return nil, ErrNoBinaries
	}
	if m == nil {
		return nil, ErrMinerUnavailable
	}

	dir := opts.CacheDir
	if dir == "" {
		dir = DefaultCacheDir()
	}

	var wordSize uint64
	for _, bin := range bins {
		if ws := uint64(bin.PointerWidthBits() / 8); ws > wordSize {
			wordSize = ws
		}
	}

	merged := make(map[uint64][]string)
	for _, bin := range bins {
		if cached, ok := loadCache(dir, bin); ok {
			log.WithFields(log.Fields{
				"binary": bin.Path(),
				"cache":  cacheKey(bin),
			}).Info("found gadgets in cache")
			for addr, insns := range cached {
				merged[addr] = insns
			}
			continue
		}

		log.WithFields(log.Fields{
			"binary":  bin.Path(),
			"address": fmt.Sprintf("%#x", bin.BaseAddress()),
		}).Info("loading gadgets")

		cands, err := m.Mine(bin)
		if err != nil {
			return nil, fmt.Errorf("gadget: mine %s: %w", bin.Path(), err)
		}

		accepted := make(map[uint64][]string)
		for _, c := range cands {
			// Cache only sequences inside the grammar; everything else
			// would be re-dropped on every load anyway.
			if _, ok := Classify(c.Addr, c.Insns, wordSize); !ok {
				continue
			}
			accepted[bin.Rebase(c.Addr)] = c.Insns
		}

		if err := storeCache(dir, bin, accepted); err != nil {
			log.WithField("binary", bin.Path()).Warnf("cannot cache gadgets: %v", err)
		}
		for addr, insns := range accepted {
			merged[addr] = insns
		}
	}

	catalog := NewCatalog(wordSize)
	for addr, insns := range merged {
		catalog.Add(addr, insns)
	}
	return catalog, nil
}
