package gadget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apex/log"
	pkgerrors "github.com/pkg/errors"

	"roper/internal/elfx"
)

// Cache records are keyed by binary content, so a modified binary can
// never satisfy a stale entry. The payload is a plain versioned JSON
// document; nothing in it is ever evaluated.
const cacheVersion = 1

type cacheRecord struct {
	Version  int                    `json:"version"`
	Basename string                 `json:"basename"`
	Digest   string                 `json:"digest"`
	Address  string                 `json:"address"` // configured base, %#x
	Gadgets  map[string]cacheGadget `json:"gadgets"` // addr (%#x) → record
}

type cacheGadget struct {
	Insns []string `json:"insns"`
}

// DefaultCacheDir is where per-binary gadget records live unless
// overridden via Options.
func DefaultCacheDir() string {
	return filepath.Join(os.TempDir(), "roper-rop-cache")
}

func cacheKey(bin *elfx.File) string {
	return fmt.Sprintf("%s-%s-%#x", bin.Basename(), bin.Digest(), bin.BaseAddress())
}

// loadCache reads and validates the record for bin. Any failure — a
// missing file, unreadable JSON, or a key field that does not match the
// binary — is a miss, never an error: the caller re-mines.
func loadCache(dir string, bin *elfx.File) (map[uint64][]string, bool) {
	path := filepath.Join(dir, cacheKey(bin))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.WithField("cache", path).Debugf("discarding unreadable cache record: %v", err)
		return nil, false
	}
	if rec.Version != cacheVersion ||
		rec.Basename != bin.Basename() ||
		rec.Digest != bin.Digest() ||
		rec.Address != fmt.Sprintf("%#x", bin.BaseAddress()) {
		log.WithField("cache", path).Debug("discarding stale cache record")
		return nil, false
	}

	out := make(map[uint64][]string, len(rec.Gadgets))
	for addrStr, g := range rec.Gadgets {
		addr, err := strconv.ParseUint(addrStr, 0, 64)
		if err != nil {
			log.WithField("cache", path).Debug("discarding corrupt cache record")
			return nil, false
		}
		out[addr] = g.Insns
	}
	return out, true
}

// storeCache writes the record for bin. Addresses are already rebased to
// the binary's configured base.
func storeCache(dir string, bin *elfx.File, gadgets map[uint64][]string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pkgerrors.Wrap(err, "gadget: create cache dir")
	}

	rec := cacheRecord{
		Version:  cacheVersion,
		Basename: bin.Basename(),
		Digest:   bin.Digest(),
		Address:  fmt.Sprintf("%#x", bin.BaseAddress()),
		Gadgets:  make(map[string]cacheGadget, len(gadgets)),
	}
	for addr, insns := range gadgets {
		rec.Gadgets[fmt.Sprintf("%#x", addr)] = cacheGadget{Insns: insns}
	}

	path := filepath.Join(dir, cacheKey(bin))
	f, err := os.Create(path)
	if err != nil {
		return pkgerrors.Wrap(err, "gadget: create cache record")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return pkgerrors.Wrapf(err, "gadget: encode cache record %s", path)
	}
	return nil
}
