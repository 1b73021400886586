package config

// Protocol limits. Changing any of these is a hard fork.
const (
	MaxBlockSize      = 2_000_000 // header, uncles, proposals and all tx signing bytes
	MaxBlockTxs       = 500       // including the cellbase
	MaxBlockProposals = 1500
	MaxTxInputs       = 2500
	MaxTxOutputs      = 2500
	MaxScriptData     = 65_536
)
