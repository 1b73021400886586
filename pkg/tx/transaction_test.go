package tx

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-core/pkg/crypto"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

func newKey(t *testing.T) (*crypto.PrivateKey, types.Script) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key, types.P2PKH(crypto.AddressFromPubKey(key.PublicKey()))
}

func signedSpend(t *testing.T, key *crypto.PrivateKey, prev types.Outpoint, capacity types.Capacity, lock types.Script) *Transaction {
	t.Helper()
	b := NewBuilder().AddInput(prev).AddOutput(capacity, lock)
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b.Build()
}

func TestCellBase_UniquePerNumber(t *testing.T) {
	_, lock := newKey(t)
	a := NewCellBase(1, 50, lock)
	b := NewCellBase(2, 50, lock)

	if !a.IsCellBase() {
		t.Fatal("NewCellBase should build a cellbase")
	}
	if a.Hash() == b.Hash() {
		t.Error("cellbases at different numbers must have different hashes")
	}
	if err := a.Validate(); err != nil {
		t.Errorf("cellbase Validate: %v", err)
	}
	if err := a.VerifySignatures(); err != nil {
		t.Errorf("cellbase VerifySignatures: %v", err)
	}
	if n, ok := b.CellBaseNumber(); !ok || n != 2 {
		t.Errorf("CellBaseNumber = %d, %v", n, ok)
	}
}

func TestHash_ExcludesSignatures(t *testing.T) {
	key, lock := newKey(t)
	unsigned := NewBuilder().AddInput(types.Outpoint{TxID: types.Hash{1}}).AddOutput(10, lock).Build()
	before := unsigned.Hash()

	signed := signedSpend(t, key, types.Outpoint{TxID: types.Hash{1}}, 10, lock)
	if signed.Hash() != before {
		t.Error("signing must not change the transaction ID")
	}
}

func TestValidate_Rules(t *testing.T) {
	key, lock := newKey(t)
	good := signedSpend(t, key, types.Outpoint{TxID: types.Hash{1}}, 10, lock)
	if err := good.Validate(); err != nil {
		t.Fatalf("valid tx rejected: %v", err)
	}

	noInputs := &Transaction{Outputs: []Output{{Capacity: 1, Lock: lock}}}
	if err := noInputs.Validate(); !errors.Is(err, ErrNoInputs) {
		t.Errorf("expected ErrNoInputs, got %v", err)
	}

	dup := signedSpend(t, key, types.Outpoint{TxID: types.Hash{1}}, 10, lock)
	dup.Inputs = append(dup.Inputs, dup.Inputs[0])
	if err := dup.Validate(); !errors.Is(err, ErrDuplicateInput) {
		t.Errorf("expected ErrDuplicateInput, got %v", err)
	}

	zero := signedSpend(t, key, types.Outpoint{TxID: types.Hash{1}}, 0, lock)
	if err := zero.Validate(); !errors.Is(err, ErrZeroOutput) {
		t.Errorf("expected ErrZeroOutput, got %v", err)
	}

	mixed := signedSpend(t, key, types.Outpoint{TxID: types.Hash{1}}, 10, lock)
	mixed.Inputs = append(mixed.Inputs, Input{PrevOut: types.NullOutpoint})
	if err := mixed.Validate(); !errors.Is(err, ErrMisplacedCellBase) {
		t.Errorf("expected ErrMisplacedCellBase, got %v", err)
	}

	badLock := signedSpend(t, key, types.Outpoint{TxID: types.Hash{1}}, 10, types.Script{Type: 0x7f})
	if err := badLock.Validate(); !errors.Is(err, ErrInvalidScript) {
		t.Errorf("expected ErrInvalidScript, got %v", err)
	}
}

func TestResolveCells(t *testing.T) {
	key, lock := newKey(t)
	prev := types.Outpoint{TxID: types.Hash{0xaa}, Index: 0}
	cells := CellMap{prev: {Capacity: 100, Lock: lock}}

	spend := signedSpend(t, key, prev, 90, lock)
	fee, err := spend.ResolveCells(cells)
	if err != nil {
		t.Fatalf("ResolveCells: %v", err)
	}
	if fee != 10 {
		t.Errorf("fee = %d, want 10", fee)
	}

	missing := signedSpend(t, key, types.Outpoint{TxID: types.Hash{0xbb}}, 90, lock)
	if _, err := missing.ResolveCells(cells); !errors.Is(err, ErrInputNotFound) {
		t.Errorf("expected ErrInputNotFound, got %v", err)
	}

	tooMuch := signedSpend(t, key, prev, 101, lock)
	if _, err := tooMuch.ResolveCells(cells); !errors.Is(err, ErrInsufficientCapacity) {
		t.Errorf("expected ErrInsufficientCapacity, got %v", err)
	}

	thief, _ := newKey(t)
	stolen := signedSpend(t, thief, prev, 90, lock)
	if _, err := stolen.ResolveCells(cells); !errors.Is(err, ErrScriptMismatch) {
		t.Errorf("expected ErrScriptMismatch, got %v", err)
	}

	forged := signedSpend(t, key, prev, 90, lock)
	forged.Outputs[0].Capacity = 80
	if _, err := forged.ResolveCells(cells); !errors.Is(err, ErrInvalidSig) {
		t.Errorf("expected ErrInvalidSig, got %v", err)
	}
}

func TestIndexed_CachesHash(t *testing.T) {
	_, lock := newKey(t)
	raw := NewCellBase(7, 50, lock)
	ix := NewIndexed(raw)
	if ix.Hash() != raw.Hash() {
		t.Error("cached hash differs from computed hash")
	}
	ops := ix.OutPoints()
	if len(ops) != 1 || ops[0].TxID != ix.Hash() || ops[0].Index != 0 {
		t.Errorf("OutPoints = %v", ops)
	}
}

func TestInput_JSON(t *testing.T) {
	in := Input{PrevOut: types.Outpoint{TxID: types.Hash{1}, Index: 2}, Signature: []byte{1, 2}, PubKey: []byte{3}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Input
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.PrevOut != in.PrevOut || string(got.Signature) != string(in.Signature) || string(got.PubKey) != string(in.PubKey) {
		t.Errorf("got %+v, want %+v", got, in)
	}
}
