package roper

import (
	"slices"
	"testing"
)

func TestParseGadgetToken(t *testing.T) {
	tests := []struct {
		token   string
		ok      bool
		minMove uint64
		regs    []string
	}{
		{"ret", true, 8, nil},
		{"ret_16", true, 16, nil},
		{"ret_0x20", true, 32, nil},
		{"rdi", true, 8, []string{"rdi"}},
		{"rdi_rsi", true, 16, []string{"rdi", "rsi"}},
		{"r13_r14_r15_rbp", true, 32, []string{"r13", "r14", "r15", "rbp"}},
		{"eax", true, 8, []string{"eax"}},
		{"system", false, 0, nil},
		{"ret_x", false, 0, nil},
		{"", false, 0, nil},
		{"_rdi", false, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			q, ok := parseGadgetToken(tt.token, 8)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if q.minMove != tt.minMove {
				t.Errorf("minMove = %d, want %d", q.minMove, tt.minMove)
			}
			if !slices.Equal(q.regs, tt.regs) {
				t.Errorf("regs = %v, want %v", q.regs, tt.regs)
			}
		})
	}
}

func TestGadgetByToken(t *testing.T) {
	r := newTestROP(t)

	g, ok := r.Gadget("rdi")
	if !ok || g.Addr != 0x400510 {
		t.Errorf("Gadget(rdi) = %#x %v, want 0x400510", g.Addr, ok)
	}

	g, ok = r.Gadget("rdi_rsi")
	if !ok || g.Addr != 0x400520 {
		t.Errorf("Gadget(rdi_rsi) = %#x %v, want 0x400520", g.Addr, ok)
	}

	g, ok = r.Gadget("ret")
	if !ok || g.Addr != 0x400500 {
		t.Errorf("Gadget(ret) = %#x %v, want bare ret at 0x400500", g.Addr, ok)
	}

	g, ok = r.Gadget("ret_48")
	if !ok || g.Move != 48 {
		t.Errorf("Gadget(ret_48) move = %d %v, want 48", g.Move, ok)
	}

	if _, ok := r.Gadget("rsi_rdi"); ok {
		t.Error("matched pop order that no gadget has")
	}
	if _, ok := r.Gadget("system"); ok {
		t.Error("treated a call-target name as a gadget query")
	}
}

func TestInvoke(t *testing.T) {
	r := newTestROP(t)

	if err := r.Invoke("system", 5); err != nil {
		t.Fatal(err)
	}
	out, err := r.Chain()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3*int(r.WordSize()) {
		t.Errorf("chain %d bytes after invoke, want 3 words", len(out))
	}

	if err := r.Invoke("rdi_rsi"); err == nil {
		t.Error("invoked a gadget query as a call")
	}
}
