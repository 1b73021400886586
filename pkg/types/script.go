package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies how a cell is locked.
type ScriptType uint8

const (
	ScriptTypeP2PKH       ScriptType = 0x01 // Pay to public key hash
	ScriptTypeUnspendable ScriptType = 0x11 // Data carrier, can never be consumed
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeUnspendable:
		return "Unspendable"
	default:
		return "Unknown"
	}
}

// Script defines the lock of a cell.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// P2PKH returns a lock that only the owner of addr can unlock.
func P2PKH(addr Address) Script {
	return Script{Type: ScriptTypeP2PKH, Data: addr.Bytes()}
}

// Address returns the locked address for a P2PKH script.
func (s Script) Address() (Address, bool) {
	if s.Type != ScriptTypeP2PKH || len(s.Data) != AddressSize {
		return Address{}, false
	}
	var a Address
	copy(a[:], s.Data)
	return a, true
}

type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	s.Data = nil
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
