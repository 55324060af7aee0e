package replication

import (
	"encoding/binary"

	uatomic "go.uber.org/atomic"
)

// A ReplayPipelineStage is one half of the double buffer between the
// backup's receive daemon and its redo workers: a window of LSN bounds
// plus a readiness flag. The receive side publishes bounds and flips
// ready; the redo side drains the window, decrements the thread count,
// and the last worker advances the replayed watermark and clears ready.
type ReplayPipelineStage struct {
	StartLSN            *uatomic.Uint64
	EndLSN              *uatomic.Uint64
	NumReplayingThreads *uatomic.Int32
	Ready               *uatomic.Bool
}

func NewReplayPipelineStage() *ReplayPipelineStage {
	return &ReplayPipelineStage{
		StartLSN:            uatomic.NewUint64(0),
		EndLSN:              uatomic.NewUint64(0),
		NumReplayingThreads: uatomic.NewInt32(0),
		Ready:               uatomic.NewBool(false),
	}
}

// Publish installs a window into the stage, not yet ready.
func (s *ReplayPipelineStage) Publish(start, end uint64) {
	s.StartLSN.Store(start)
	s.EndLSN.Store(end)
}

// stageBoundsSize is the on-disk footprint of one stage record in the
// replay-bounds side file: start and end offsets.
const stageBoundsSize = 16

func (s *ReplayPipelineStage) encodeBounds() []byte {
	var b [stageBoundsSize]byte
	binary.LittleEndian.PutUint64(b[0:], s.StartLSN.Load())
	binary.LittleEndian.PutUint64(b[8:], s.EndLSN.Load())
	return b[:]
}

func decodeBounds(b []byte) (start, end uint64) {
	return binary.LittleEndian.Uint64(b[0:]), binary.LittleEndian.Uint64(b[8:])
}
