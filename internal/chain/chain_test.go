package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fortytw2/leaktest"

	"github.com/Klingon-tech/klingnet-core/config"
	"github.com/Klingon-tech/klingnet-core/internal/chaintest"
	"github.com/Klingon-tech/klingnet-core/internal/consensus"
	"github.com/Klingon-tech/klingnet-core/internal/notify"
	"github.com/Klingon-tech/klingnet-core/internal/service"
	"github.com/Klingon-tech/klingnet-core/internal/shared"
	"github.com/Klingon-tech/klingnet-core/internal/storage"
	"github.com/Klingon-tech/klingnet-core/internal/store"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// recorder captures everything the chain publishes.
type recorder struct {
	mu     sync.Mutex
	tips   []*block.Indexed
	forks  []*notify.ForkBlocks
	uncles []*block.Indexed
}

func (r *recorder) NotifyNewTip(b *block.Indexed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tips = append(r.tips, b)
}

func (r *recorder) NotifySwitchFork(f *notify.ForkBlocks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forks = append(r.forks, f)
}

func (r *recorder) AddUncle(b *block.Indexed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uncles = append(r.uncles, b)
}

var errDiskFull = errors.New("disk full")

// flakyDB fails batch commits while fail is set.
type flakyDB struct {
	storage.DB
	fail atomic.Bool
}

func (d *flakyDB) NewBatch() storage.Batch {
	return &flakyBatch{Batch: d.DB.NewBatch(), db: d}
}

type flakyBatch struct {
	storage.Batch
	db *flakyDB
}

func (b *flakyBatch) Commit() error {
	if b.db.fail.Load() {
		return errDiskFull
	}
	return b.Batch.Commit()
}

type fixture struct {
	t      *testing.T
	cons   *consensus.Consensus
	db     *flakyDB
	store  *store.KVStore
	rec    *recorder
	owner  *chaintest.Key
	handle *service.Handle
	ctl    *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	owner := chaintest.NewKey(t)
	cons := chaintest.Consensus(t, owner, 4)
	db := &flakyDB{DB: storage.NewMemory()}
	st := store.New(db)
	if err := st.Init(cons.Genesis()); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	svc, err := New(shared.New(cons, st), rec, rec, config.ChainConfig{OrphanPoolSize: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h, ctl := svc.Start()
	return &fixture{t: t, cons: cons, db: db, store: st, rec: rec, owner: owner, handle: h, ctl: ctl}
}

func (f *fixture) close() {
	f.handle.Stop()
	f.handle.Join()
}

func (f *fixture) genesis() *block.Header { return f.cons.Genesis().Header() }

func (f *fixture) process(b *block.Indexed) error {
	return f.ctl.ProcessBlock(context.Background(), b)
}

func (f *fixture) tip() TipHeader {
	f.t.Helper()
	tip, err := f.ctl.TipHeader(context.Background())
	if err != nil {
		f.t.Fatalf("TipHeader: %v", err)
	}
	return tip
}

func (f *fixture) mustProcess(blocks ...*block.Indexed) {
	f.t.Helper()
	for _, b := range blocks {
		if err := f.process(b); err != nil {
			f.t.Fatalf("ProcessBlock(%d): %v", b.Number(), err)
		}
	}
}

func TestChain_Extend(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	b1 := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{})

	f.mustProcess(b1)

	tip := f.tip()
	if tip.Number != 1 || tip.Hash != b1.Hash() || tip.TotalDifficulty.Uint64() != 2 {
		t.Errorf("tip = %+v", tip)
	}
	if len(f.rec.tips) != 1 || f.rec.tips[0] != b1 {
		t.Errorf("new tip events = %d", len(f.rec.tips))
	}
	if stored, _ := f.store.Tip(); stored.Hash != b1.Hash() {
		t.Error("store tip not advanced")
	}
}

func TestChain_KnownBlock(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	b1 := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{})
	f.mustProcess(b1)

	if err := f.process(b1); !errors.Is(err, ErrBlockKnown) {
		t.Errorf("second ProcessBlock = %v, want ErrBlockKnown", err)
	}
	if err := f.process(f.cons.Genesis()); !errors.Is(err, ErrBlockKnown) {
		t.Errorf("genesis = %v, want ErrBlockKnown", err)
	}
}

func TestChain_OrphansConnectLater(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	blocks := chaintest.Chain(t, f.cons, f.genesis(), 3, 0)

	for _, b := range []*block.Indexed{blocks[2], blocks[1]} {
		if err := f.process(b); !errors.Is(err, ErrUnknownParent) {
			t.Fatalf("ProcessBlock(%d) = %v, want ErrUnknownParent", b.Number(), err)
		}
	}
	if err := f.process(blocks[2]); !errors.Is(err, ErrBlockKnown) {
		t.Errorf("pooled orphan = %v, want ErrBlockKnown", err)
	}

	f.mustProcess(blocks[0])
	if tip := f.tip(); tip.Hash != blocks[2].Hash() {
		t.Errorf("tip = %d, want 3", tip.Number)
	}
	if len(f.rec.tips) != 3 {
		t.Errorf("new tip events = %d, want 3", len(f.rec.tips))
	}
}

func TestChain_EqualWorkKeepsFirstSeen(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	a := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{})
	b := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{Salt: 1})

	f.mustProcess(a, b)

	if tip := f.tip(); tip.Hash != a.Hash() {
		t.Error("equal work displaced the first-seen tip")
	}
	if len(f.rec.uncles) != 1 || f.rec.uncles[0] != b {
		t.Errorf("uncles = %d, want the losing block", len(f.rec.uncles))
	}
	if len(f.rec.forks) != 0 {
		t.Error("unexpected fork switch")
	}
	if ok, _ := f.store.HasBlock(b.Hash()); !ok {
		t.Error("side block not stored")
	}
}

func TestChain_SwitchFork(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	to := chaintest.NewKey(t)
	prev := chaintest.GenesisCell(f.cons, 0)

	spendA := chaintest.Spend(t, f.owner, prev, 10, to.Lock)
	a1 := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{Txs: []*tx.Transaction{spendA}})
	f.mustProcess(a1)

	spendB := chaintest.Spend(t, f.owner, prev, 20, to.Lock)
	b1 := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{Txs: []*tx.Transaction{spendB}, Salt: 1})
	b2 := chaintest.Child(t, f.cons, b1.Header(), chaintest.BlockSpec{Salt: 1})
	f.mustProcess(b1, b2)

	tip := f.tip()
	if tip.Hash != b2.Hash() || tip.TotalDifficulty.Uint64() != 3 {
		t.Fatalf("tip = %+v", tip)
	}
	if len(f.rec.forks) != 1 {
		t.Fatalf("fork events = %d, want 1", len(f.rec.forks))
	}
	fork := f.rec.forks[0]
	if len(fork.Detached) != 1 || fork.Detached[0].Hash() != a1.Hash() {
		t.Errorf("detached = %v", fork.Detached)
	}
	if len(fork.Attached) != 2 || fork.Attached[0].Hash() != b1.Hash() || fork.Attached[1].Hash() != b2.Hash() {
		t.Errorf("attached = %v", fork.Attached)
	}

	if _, ok, _ := f.store.LiveCell(tx.OutPoint(spendA.Hash(), 0)); ok {
		t.Error("detached spend still live")
	}
	if _, ok, _ := f.store.LiveCell(tx.OutPoint(spendB.Hash(), 0)); !ok {
		t.Error("attached spend not live")
	}
}

func TestChain_InvalidCellsOnExtend(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	bogus := chaintest.Spend(t, f.owner, types.Outpoint{TxID: types.Hash{7}}, 1, f.owner.Lock)
	b1 := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{Txs: []*tx.Transaction{bogus}})

	if err := f.process(b1); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("ProcessBlock = %v, want ErrInvalidBlock", err)
	}
	if tip := f.tip(); tip.Number != 0 {
		t.Errorf("tip moved to %d", tip.Number)
	}
	if len(f.rec.tips) != 0 {
		t.Error("published a rejected block")
	}
}

func TestChain_InvalidForkKeepsTip(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	a1 := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{})
	f.mustProcess(a1)

	bogus := chaintest.Spend(t, f.owner, types.Outpoint{TxID: types.Hash{7}}, 1, f.owner.Lock)
	b1 := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{Txs: []*tx.Transaction{bogus}, Salt: 1})
	b2 := chaintest.Child(t, f.cons, b1.Header(), chaintest.BlockSpec{Salt: 1})
	f.mustProcess(b1)
	if err := f.process(b2); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("ProcessBlock = %v, want ErrInvalidBlock", err)
	}
	if tip := f.tip(); tip.Hash != a1.Hash() {
		t.Error("tip moved to an invalid fork")
	}
	if len(f.rec.forks) != 0 {
		t.Error("published an invalid fork")
	}
}

func TestChain_HeaderRules(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	good := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{})
	heavy := chaintest.Rebuild(t, f.cons, good, func(blk *block.Block) {
		blk.Header.Difficulty = 2
	})
	if err := f.process(heavy); !errors.Is(err, ErrInvalidBlock) || !errors.Is(err, consensus.ErrBadDifficulty) {
		t.Errorf("ProcessBlock = %v, want bad difficulty", err)
	}
}

func TestChain_StoreFailure(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	b1 := chaintest.Child(t, f.cons, f.genesis(), chaintest.BlockSpec{})

	f.db.fail.Store(true)
	err := f.process(b1)
	if !errors.Is(err, ErrStore) || !errors.Is(err, errDiskFull) {
		t.Fatalf("ProcessBlock = %v, want ErrStore", err)
	}
	if tip := f.tip(); tip.Number != 0 {
		t.Errorf("tip moved to %d", tip.Number)
	}
	if len(f.rec.tips) != 0 {
		t.Error("published after failed commit")
	}

	f.db.fail.Store(false)
	f.mustProcess(b1)
	if tip := f.tip(); tip.Hash != b1.Hash() {
		t.Error("retry after store recovery failed")
	}
}

func TestChain_TipHeaderIsACopy(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.close()
	tip := f.tip()
	tip.TotalDifficulty.SetUint64(1000)
	if again := f.tip(); again.TotalDifficulty.Uint64() != 1 {
		t.Error("caller mutated the chain's total difficulty")
	}
}

func TestChain_Stopped(t *testing.T) {
	defer leaktest.Check(t)()
	owner := chaintest.NewKey(t)
	cons := chaintest.Consensus(t, owner, 1)
	rec := &recorder{}
	svc, err := New(shared.New(cons, storeWithGenesis(t, cons)), rec, rec, config.ChainConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h, ctl := svc.Start()
	h.Stop()
	h.Join()

	if _, err := ctl.TipHeader(context.Background()); !errors.Is(err, service.ErrServiceUnavailable) {
		t.Errorf("TipHeader after stop = %v", err)
	}
	b1 := chaintest.Child(t, cons, cons.Genesis().Header(), chaintest.BlockSpec{})
	if err := ctl.ProcessBlock(context.Background(), b1); !errors.Is(err, service.ErrServiceUnavailable) {
		t.Errorf("ProcessBlock after stop = %v", err)
	}
}

func TestNew_EmptyStore(t *testing.T) {
	cons := chaintest.Consensus(t, chaintest.NewKey(t), 1)
	_, err := New(shared.New(cons, store.New(storage.NewMemory())), &recorder{}, &recorder{}, config.ChainConfig{}, nil)
	if !errors.Is(err, ErrStore) {
		t.Errorf("New on empty store = %v, want ErrStore", err)
	}
}

func storeWithGenesis(t *testing.T, c *consensus.Consensus) *store.KVStore {
	t.Helper()
	s := store.New(storage.NewMemory())
	if err := s.Init(c.Genesis()); err != nil {
		t.Fatal(err)
	}
	return s
}
