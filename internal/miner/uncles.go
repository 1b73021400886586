package miner

import (
	"errors"
	"slices"

	"github.com/Klingon-tech/klingnet-core/internal/store"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

func (s *Service) addUncle(b *block.Indexed) {
	if _, ok := s.candidates[b.Hash()]; ok {
		return
	}
	if s.tooOld(b.Number()) {
		return
	}
	s.candidates[b.Hash()] = b
	s.metrics.SetUncles(len(s.candidates))
	if s.template != nil && len(s.template.Uncles) < s.shared.Consensus.MaxUnclesLen {
		s.stale = true
	}
	s.logger.Debug().Uint64("number", b.Number()).Str("hash", b.Hash().Short()).Msg("Uncle candidate added")
}

// tooOld reports whether a block at number can never be an uncle of the
// block being mined or its successors.
func (s *Service) tooOld(number types.BlockNumber) bool {
	return number+s.shared.Consensus.MaxUnclesAge < s.miningNumber
}

// evictUncles drops candidates that aged out, joined the best chain or
// were already included as uncles by the parent or its ancestors.
func (s *Service) evictUncles() {
	included, _ := s.includedUncles()
	for hash, b := range s.candidates {
		_, used := included[hash]
		if used || s.tooOld(b.Number()) || s.canonical(b.Header()) {
			delete(s.candidates, hash)
		}
	}
	s.metrics.SetUncles(len(s.candidates))
}

// includedUncles returns the uncles a child of the parent may not carry
// again. ok is false if the ancestry could not be read.
func (s *Service) includedUncles() (included map[types.Hash]struct{}, ok bool) {
	included, err := s.shared.Consensus.IncludedUncles(s.parent, s.shared.Store)
	if err != nil {
		s.logger.Error().Err(err).Str("parent", s.parent.Hash().Short()).Msg("Included uncles lookup failed")
		return nil, false
	}
	return included, true
}

func (s *Service) canonical(h *block.Header) bool {
	canon, err := s.shared.Store.CanonicalHash(h.Number)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error().Err(err).Uint64("number", h.Number).Msg("Canonical hash lookup failed")
		}
		return false
	}
	return canon == h.Hash()
}

// selectUncles picks at most MaxUnclesLen candidates valid for the block
// being mined, highest first with ties broken by hash.
func (s *Service) selectUncles() []*block.Header {
	c := s.shared.Consensus
	included, ok := s.includedUncles()
	if !ok {
		return nil
	}
	var picked []*block.Header
	for _, b := range s.sortedCandidates() {
		if len(picked) >= c.MaxUnclesLen {
			break
		}
		h := b.Header()
		if _, used := included[b.Hash()]; used {
			continue
		}
		if h.Number >= s.miningNumber || s.tooOld(h.Number) || s.canonical(h) {
			continue
		}
		known, err := s.shared.Store.HasBlock(h.ParentHash)
		if err != nil || !known {
			continue
		}
		picked = append(picked, h)
	}
	return picked
}

func (s *Service) sortedCandidates() []*block.Indexed {
	out := make([]*block.Indexed, 0, len(s.candidates))
	for _, b := range s.candidates {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *block.Indexed) int {
		if a.Number() != b.Number() {
			if a.Number() > b.Number() {
				return -1
			}
			return 1
		}
		ha, hb := a.Hash(), b.Hash()
		switch {
		case ha.Less(hb):
			return -1
		case hb.Less(ha):
			return 1
		}
		return 0
	})
	return out
}

func (s *Service) candidateHashes() []types.Hash {
	sorted := s.sortedCandidates()
	out := make([]types.Hash, len(sorted))
	for i, b := range sorted {
		out[i] = b.Hash()
	}
	return out
}
