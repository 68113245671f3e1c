package gadget

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"roper/internal/elftest"
	"roper/internal/elfx"
	"roper/internal/miner"
)

// fakeMiner returns canned candidates and counts invocations.
type fakeMiner struct {
	cands []miner.Candidate
	calls int
}

func (m *fakeMiner) Mine(*elfx.File) ([]miner.Candidate, error) {
	m.calls++
	return m.cands, nil
}

func sampleBin(t *testing.T, name string) *elfx.File {
	t.Helper()
	bin, err := elfx.New(name, elftest.Build(elftest.Image{
		Vaddr: 0x400000,
		Text:  []byte{0x5f, 0xc3},
	}))
	if err != nil {
		t.Fatal(err)
	}
	return bin
}

func TestBuildRequiresMiner(t *testing.T) {
	bin := sampleBin(t, "a")
	_, err := Build([]*elfx.File{bin}, nil, Options{CacheDir: t.TempDir()})
	if !errors.Is(err, ErrMinerUnavailable) {
		t.Fatalf("err = %v, want ErrMinerUnavailable", err)
	}
}

func TestBuildRequiresBinaries(t *testing.T) {
	_, err := Build(nil, &fakeMiner{}, Options{CacheDir: t.TempDir()})
	if !errors.Is(err, ErrNoBinaries) {
		t.Fatalf("err = %v, want ErrNoBinaries", err)
	}
}

func TestBuildClassifiesAndFilters(t *testing.T) {
	m := &fakeMiner{cands: []miner.Candidate{
		{Addr: 0x400000, Insns: []string{"pop rdi", "ret"}},
		{Addr: 0x400010, Insns: []string{"mov rax, rbx", "ret"}}, // outside grammar
	}}
	bin := sampleBin(t, "a")

	cat, err := Build([]*elfx.File{bin}, m, Options{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cat.Gadgets[0x400000]; !ok {
		t.Error("accepted gadget missing")
	}
	if _, ok := cat.Gadgets[0x400010]; ok {
		t.Error("out-of-grammar gadget survived classification")
	}
	if cat.WordSize() != 8 {
		t.Errorf("word size = %d, want 8", cat.WordSize())
	}
}

func TestBuildCacheHitSkipsMining(t *testing.T) {
	dir := t.TempDir()
	m := &fakeMiner{cands: []miner.Candidate{
		{Addr: 0x400000, Insns: []string{"pop rdi", "ret"}},
	}}
	bin := sampleBin(t, "a")

	if _, err := Build([]*elfx.File{bin}, m, Options{CacheDir: dir}); err != nil {
		t.Fatal(err)
	}
	if m.calls != 1 {
		t.Fatalf("miner ran %d times, want 1", m.calls)
	}

	// Second build of identical content must come from cache.
	cat, err := Build([]*elfx.File{bin}, m, Options{CacheDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if m.calls != 1 {
		t.Errorf("miner ran %d times, want cache hit to skip it", m.calls)
	}
	if _, ok := cat.Gadgets[0x400000]; !ok {
		t.Error("cached gadget missing from catalog")
	}
}

func TestBuildCorruptCacheDegradesToRemine(t *testing.T) {
	dir := t.TempDir()
	m := &fakeMiner{cands: []miner.Candidate{
		{Addr: 0x400000, Insns: []string{"pop rdi", "ret"}},
	}}
	bin := sampleBin(t, "a")

	if _, err := Build([]*elfx.File{bin}, m, Options{CacheDir: dir}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, cacheKey(bin))
	if err := os.WriteFile(path, []byte("{ not json"), 0644); err != nil {
		t.Fatal(err)
	}

	cat, err := Build([]*elfx.File{bin}, m, Options{CacheDir: dir})
	if err != nil {
		t.Fatalf("corrupt cache must degrade, got error %v", err)
	}
	if m.calls != 2 {
		t.Errorf("miner ran %d times, want re-mine after corruption", m.calls)
	}
	if _, ok := cat.Gadgets[0x400000]; !ok {
		t.Error("gadget missing after re-mine")
	}
}

func TestBuildRebasesAddresses(t *testing.T) {
	m := &fakeMiner{cands: []miner.Candidate{
		{Addr: 0x400000, Insns: []string{"pop rdi", "ret"}},
	}}
	bin := sampleBin(t, "a")
	bin.SetBaseAddress(0x7f0000000000)

	cat, err := Build([]*elfx.File{bin}, m, Options{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cat.Gadgets[0x7f0000000000]; !ok {
		t.Errorf("gadget not rebased: %v", cat.Gadgets)
	}
}

func TestBuildMergeLastBinaryWins(t *testing.T) {
	// Two binaries, gadget at the same rebased address, different text.
	binA := sampleBin(t, "a")
	binB := sampleBin(t, "b")

	dir := t.TempDir()
	mA := &fakeMiner{cands: []miner.Candidate{
		{Addr: 0x400000, Insns: []string{"pop rdi", "ret"}},
	}}
	mB := &fakeMiner{cands: []miner.Candidate{
		{Addr: 0x400000, Insns: []string{"pop rsi", "ret"}},
	}}

	// Prime each binary's cache separately so one Build can merge both.
	if _, err := Build([]*elfx.File{binA}, mA, Options{CacheDir: dir}); err != nil {
		t.Fatal(err)
	}
	if _, err := Build([]*elfx.File{binB}, mB, Options{CacheDir: dir}); err != nil {
		t.Fatal(err)
	}

	cat, err := Build([]*elfx.File{binA, binB}, &fakeMiner{}, Options{CacheDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	g := cat.Gadgets[0x400000]
	if len(g.Regs) != 1 || g.Regs[0] != "rsi" {
		t.Errorf("gadget = %v, want last-loaded binary's pop rsi", g)
	}
}
