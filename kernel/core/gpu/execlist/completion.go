package execlist

import (
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// ProcessCompletions drains produced status entries, applies the completion
// or fault transition for each, then kicks the scheduler once. It returns the
// number of entries consumed.
func (s *Scheduler) ProcessCompletions() int {
	s.mu.Lock()
	var banned []uint32
	consumed := 0
	for consumed < StatusEntries {
		off := uint64(s.statusRead * StatusEntrySize)
		bits, err := s.status.Load32(off + 4)
		if err != nil {
			s.logger.Error("status read", utils.Err(err))
			break
		}
		if bits == 0 {
			break
		}
		ctxID, err := s.status.Load32(off)
		if err != nil {
			s.logger.Error("status read", utils.Err(err))
			break
		}
		// Zero the entry so reuse of the slot is detectable
		_ = s.status.Store32(off+4, 0)
		_ = s.status.Store32(off, 0)
		s.statusRead = (s.statusRead + 1) % StatusEntries
		consumed++

		if id, ok := s.dispatchLocked(ctxID, bits); ok {
			banned = append(banned, id)
		}
	}
	s.kickLocked()
	hook := s.onBan
	s.mu.Unlock()

	if hook != nil {
		for _, id := range banned {
			hook(id)
		}
	}
	return consumed
}

// dispatchLocked applies one status entry. It reports a context that became
// banned.
func (s *Scheduler) dispatchLocked(ctxID, bits uint32) (uint32, bool) {
	var e *entry
	for _, p := range s.ports {
		if p != nil && p.hw.contextID == ctxID {
			e = p
			break
		}
	}
	if e == nil {
		s.spurious++
		s.logger.Warn("status entry for idle context",
			utils.Uint32("ctx", ctxID),
			utils.Uint32("bits", bits))
		return 0, false
	}

	if bits&StatusFault != 0 {
		return s.faultLocked(e)
	}
	if bits&StatusComplete != 0 {
		s.completeLocked(e)
	}
	return 0, false
}

func (s *Scheduler) completeLocked(e *entry) {
	hw := e.hw
	if err := hw.fence.Store32(FenceSeqHi, uint32(e.seq>>32)); err != nil {
		s.logger.Error("fence write", utils.Uint32("ctx", hw.contextID), utils.Err(err))
	}
	if err := hw.fence.Store32(FenceSeqLo, uint32(e.seq)); err != nil {
		s.logger.Error("fence write", utils.Uint32("ctx", hw.contextID), utils.Err(err))
	}
	hw.lastSeq = e.seq
	s.retireLocked(e, EntryCompleted)
	s.completed++
	s.logger.Debug("batch completed", utils.Uint32("ctx", hw.contextID), utils.Uint64("seq", e.seq))
}

// faultLocked retires the faulting entry without retry and bans the context
// once its score reaches BanThreshold.
func (s *Scheduler) faultLocked(e *entry) (uint32, bool) {
	hw := e.hw
	hw.banScore++
	s.captureErrorStateLocked(e)
	s.retireLocked(e, EntryFaulted)
	s.faulted++
	s.logger.Warn("batch faulted",
		utils.Uint32("ctx", hw.contextID),
		utils.Uint64("seq", e.seq),
		utils.Int("ban_score", hw.banScore))

	if hw.banScore < BanThreshold || hw.banned {
		return 0, false
	}
	hw.banned = true
	dropped := 0
	for _, q := range s.slots {
		if q != nil && q.hw == hw {
			s.retireLocked(q, EntryFaulted)
			dropped++
		}
	}
	s.dropped += uint64(dropped)
	s.logger.Error("context banned",
		utils.Uint32("ctx", hw.contextID),
		utils.Int("dropped", dropped))
	return hw.contextID, true
}
