package types

import "fmt"

// Outpoint names a cell: output Index of transaction TxID.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// NullOutpoint is the input marker carried by a cellbase transaction.
var NullOutpoint = Outpoint{Index: ^uint32(0)}

// IsNull reports whether o is the cellbase marker.
func (o Outpoint) IsNull() bool {
	return o == NullOutpoint
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}
