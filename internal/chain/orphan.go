package chain

import (
	"time"

	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// connectOrphans processes every pooled descendant of parent, parents
// before children.
func (s *Service) connectOrphans(parent types.Hash) {
	if s.orphans.Len() == 0 {
		return
	}
	queue := []types.Hash{parent}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, b := range s.orphans.Values() {
			if b.ParentHash() != p {
				continue
			}
			s.orphans.Remove(b.Hash())
			started := time.Now()
			result, err := s.processBlock(b)
			s.metrics.ObserveProcessBlock(result, started)
			if err != nil {
				s.logger.Warn().Err(err).Uint64("number", b.Number()).Str("hash", b.Hash().Short()).Msg("Orphan rejected")
				continue
			}
			queue = append(queue, b.Hash())
		}
	}
	s.metrics.SetOrphans(s.orphans.Len())
}
