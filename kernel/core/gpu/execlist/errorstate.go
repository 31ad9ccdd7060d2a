package execlist

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// ErrorState is a snapshot taken when a batch faults.
type ErrorState struct {
	Time       time.Time `json:"time"`
	ContextID  uint32    `json:"context_id"`
	Seq        uint64    `json:"seq"`
	BanScore   int       `json:"ban_score"`
	BatchID    uint32    `json:"batch_id"`
	BatchAddr  uint64    `json:"batch_addr"`
	RingHead   uint32    `json:"ring_head"`
	RingTail   uint32    `json:"ring_tail"`
	BatchHead  []uint32  `json:"batch_head"`
	Compressed int       `json:"compressed_bytes"`
}

// errorStateDwords is how much of the batch is captured.
const errorStateDwords = 16

// errorHistory keeps the most recent compressed snapshots.
type errorHistory struct {
	limit   int
	entries [][]byte
}

func (h *errorHistory) push(blob []byte) {
	h.entries = append(h.entries, blob)
	if len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
}

func (s *Scheduler) captureErrorStateLocked(e *entry) {
	st := ErrorState{
		Time:      time.Now(),
		ContextID: e.hw.contextID,
		Seq:       e.seq,
		BanScore:  e.hw.banScore,
		BatchID:   e.batch.ID(),
		BatchAddr: e.batchAddr,
	}
	st.RingHead, _ = e.hw.image.Load32(ImageRingHead)
	st.RingTail, _ = e.hw.image.Load32(ImageRingTail)

	n := min(uint64(errorStateDwords*4), e.batch.Size())
	raw := make([]byte, n)
	if err := e.batch.ReadAt(0, raw); err == nil {
		for i := uint64(0); i+4 <= n; i += 4 {
			st.BatchHead = append(st.BatchHead, binary.LittleEndian.Uint32(raw[i:]))
		}
	}

	blob, err := compressErrorState(st)
	if err != nil {
		s.logger.Error("error state capture", utils.Err(err))
		return
	}
	s.errorStates.push(blob)
}

func compressErrorState(st ErrorState) ([]byte, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressErrorState(blob []byte) (ErrorState, error) {
	payload, err := io.ReadAll(brotli.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return ErrorState{}, fmt.Errorf("decompress error state: %w", err)
	}
	var st ErrorState
	if err := json.Unmarshal(payload, &st); err != nil {
		return ErrorState{}, fmt.Errorf("decode error state: %w", err)
	}
	st.Compressed = len(blob)
	return st, nil
}

// ErrorStates returns captured fault snapshots, oldest first.
func (s *Scheduler) ErrorStates() ([]ErrorState, error) {
	s.mu.Lock()
	blobs := make([][]byte, len(s.errorStates.entries))
	copy(blobs, s.errorStates.entries)
	s.mu.Unlock()

	out := make([]ErrorState, 0, len(blobs))
	for _, blob := range blobs {
		st, err := decompressErrorState(blob)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}
