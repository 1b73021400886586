package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

func TestDefault_Genesis(t *testing.T) {
	c := Default()
	g := c.Genesis()
	if g.Number() != 0 || !g.ParentHash().IsZero() {
		t.Errorf("genesis number/parent = %d/%s", g.Number(), g.ParentHash())
	}
	if err := g.Block().Validate(); err != nil {
		t.Errorf("genesis invalid: %v", err)
	}
	if Default().Genesis().Hash() != g.Hash() {
		t.Error("genesis must be deterministic")
	}
	if c.RetargetInterval() != uint64((12*time.Hour)/(5*time.Second)) {
		t.Errorf("RetargetInterval = %d", c.RetargetInterval())
	}
	from, to := c.CommitWindow(5)
	if from != 6 || to != 15 {
		t.Errorf("CommitWindow(5) = %d..%d", from, to)
	}
}

func TestNew_RejectsBadParams(t *testing.T) {
	cases := map[string]func(*Params){
		"difficulty": func(p *Params) { p.GenesisDifficulty = 0 },
		"timestamp":  func(p *Params) { p.GenesisTimestamp = 0 },
		"alloc":      func(p *Params) { p.GenesisAlloc = nil },
		"spacing":    func(p *Params) { p.PowSpacing = 0 },
		"orphan":     func(p *Params) { p.OrphanRateTarget.Den = 0 },
		"window":     func(p *Params) { p.TransactionPropagationTimeout = 0 },
	}
	for name, mutate := range cases {
		p := DefaultParams()
		mutate(&p)
		if _, err := New(p, HashPow{}); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("%s: expected ErrInvalidParams, got %v", name, err)
		}
	}
	if _, err := New(DefaultParams(), nil); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("nil pow: got %v", err)
	}
}

func TestNew_CopiesAlloc(t *testing.T) {
	p := DefaultParams()
	c, err := New(p, HashPow{})
	if err != nil {
		t.Fatal(err)
	}
	before := c.Genesis().Hash()
	p.GenesisAlloc[0].Capacity = 999
	if c.GenesisAlloc[0].Capacity == 999 {
		t.Error("consensus shares the caller's alloc slice")
	}
	if c.Genesis().Block().Hash() != before {
		t.Error("genesis changed after construction")
	}
}

func TestTarget(t *testing.T) {
	if !target(1).Eq(maxUint256) {
		t.Error("target(1) should be MaxUint256")
	}
	half := new(uint256.Int).Div(maxUint256, uint256.NewInt(2))
	if !target(2).Eq(half) {
		t.Error("target(2) should be MaxUint256/2")
	}
}

func TestHashPow_SolveAndVerify(t *testing.T) {
	h := &block.Header{Version: 1, Number: 1, Timestamp: 1000, Difficulty: 16}
	ok, err := HashPow{}.Solve(context.Background(), h, 1<<20)
	if err != nil || !ok {
		t.Fatalf("Solve = %v, %v", ok, err)
	}
	if err := (HashPow{}).Verify(h); err != nil {
		t.Fatalf("Verify after Solve: %v", err)
	}
}

func TestHashPow_SolveBudget(t *testing.T) {
	h := &block.Header{Version: 1, Number: 1, Timestamp: 1000, Difficulty: ^uint64(0), Nonce: 10}
	ok, err := HashPow{}.Solve(context.Background(), h, 100)
	if err != nil || ok {
		t.Fatalf("Solve at max difficulty = %v, %v", ok, err)
	}
	if h.Nonce != 110 {
		t.Errorf("Nonce = %d, want search to resume at 110", h.Nonce)
	}
	if err := (HashPow{}).Verify(h); !errors.Is(err, ErrInsufficientWork) {
		t.Errorf("Verify = %v, want ErrInsufficientWork", err)
	}
}

func TestHashPow_SolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &block.Header{Version: 1, Difficulty: ^uint64(0)}
	if _, err := (HashPow{}).Solve(ctx, h, 10); !errors.Is(err, context.Canceled) {
		t.Errorf("Solve with cancelled ctx = %v", err)
	}
}

func TestCalcNextDifficulty(t *testing.T) {
	cases := []struct {
		name             string
		cur              uint64
		actual, expected int64
		want             uint64
	}{
		{"on target", 100, 1000, 1000, 100},
		{"twice as fast", 100, 500, 1000, 200},
		{"twice as slow", 100, 2000, 1000, 50},
		{"clamped up", 100, 1, 1000, 400},
		{"clamped down", 100, 100000, 1000, 25},
		{"floor", 1, 100000, 1000, 1},
	}
	for _, tc := range cases {
		if got := CalcNextDifficulty(tc.cur, tc.actual, tc.expected); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

type blockMap map[types.Hash]*block.Indexed

func (m blockMap) Block(h types.Hash) (*block.Indexed, error) {
	b, ok := m[h]
	if !ok {
		return nil, errors.New("missing")
	}
	return b, nil
}

func TestNextDifficulty_Window(t *testing.T) {
	p := DefaultParams()
	p.PowTimeSpan = 4 * time.Second
	p.PowSpacing = time.Second
	p.GenesisDifficulty = 100
	c, err := New(p, HashPow{})
	if err != nil {
		t.Fatal(err)
	}

	lock := types.P2PKH(types.Address{1})
	blocks := blockMap{c.Genesis().Hash(): c.Genesis()}
	parent := c.Genesis().Header()
	// Blocks arrive every 500ms, twice as fast as targeted.
	for n := uint64(1); n < 4; n++ {
		d, err := c.NextDifficulty(parent, blocks)
		if err != nil {
			t.Fatal(err)
		}
		if d != 100 {
			t.Fatalf("block %d: difficulty %d inside the window", n, d)
		}
		h := &block.Header{Version: 1, ParentHash: parent.Hash(), Number: n, Timestamp: p.GenesisTimestamp + n*500, Difficulty: d}
		b := block.NewIndexed(block.NewBlock(h, nil, []*tx.Transaction{tx.NewCellBase(n, 1, lock)}, nil))
		blocks[b.Hash()] = b
		parent = b.Header()
	}

	d, err := c.NextDifficulty(parent, blocks)
	if err != nil {
		t.Fatal(err)
	}
	// 3 intervals in 1500ms against 3000ms expected doubles it, then no
	// uncles against a 1/20 target lowers it by 20/21.
	if d != 190 {
		t.Errorf("retarget = %d, want 190", d)
	}

	bad := &block.Header{Number: 4, Difficulty: 100}
	if err := c.VerifyDifficulty(bad, parent, blocks); !errors.Is(err, ErrBadDifficulty) {
		t.Errorf("VerifyDifficulty = %v", err)
	}
}

func TestIncludedUncles(t *testing.T) {
	p := DefaultParams()
	p.MaxUnclesAge = 2
	c, err := New(p, HashPow{})
	if err != nil {
		t.Fatal(err)
	}

	lock := types.P2PKH(types.Address{1})
	blocks := blockMap{c.Genesis().Hash(): c.Genesis()}
	uncle := func(n uint64) *block.Header {
		return &block.Header{Version: 1, Number: n, Timestamp: p.GenesisTimestamp + n, Difficulty: 1, Nonce: 99}
	}
	old, recent := uncle(1), uncle(2)
	parent := c.Genesis().Header()
	for n, u := range []*block.Header{nil, old, nil, recent} {
		var uncles []*block.Header
		if u != nil {
			uncles = []*block.Header{u}
		}
		num := uint64(n + 1)
		h := &block.Header{Version: 1, ParentHash: parent.Hash(), Number: num, Timestamp: p.GenesisTimestamp + num, Difficulty: 1}
		b := block.NewIndexed(block.NewBlock(h, uncles, []*tx.Transaction{tx.NewCellBase(num, 1, lock)}, nil))
		blocks[b.Hash()] = b
		parent = b.Header()
	}

	got, err := c.IncludedUncles(parent, blocks)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got[recent.Hash()]; !ok {
		t.Error("uncle of the parent not reported")
	}
	if _, ok := got[old.Hash()]; ok {
		t.Error("uncle beyond MaxUnclesAge reported")
	}

	if _, err := c.IncludedUncles(&block.Header{Number: 9}, blocks); err == nil {
		t.Error("want an error for an unknown ancestor")
	}
}
