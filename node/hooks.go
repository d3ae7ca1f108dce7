package node

import (
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"lanphone/models"
	"lanphone/storage"
)

// storeRecorder writes call history as sessions start and end.
type storeRecorder struct {
	store  *storage.Store
	logger log.Logger
}

func (r *storeRecorder) CallStarted(rec models.CallRecord) {
	if err := r.store.InsertCall(rec); err != nil {
		level.Warn(r.logger).Log("msg", "record call start failed", "call_id", rec.CallID, "err", err)
	}
}

func (r *storeRecorder) CallEnded(rec models.CallRecord) {
	err := r.store.FinishCall(rec)
	if errors.Is(err, storage.ErrNotFound) {
		if err = r.store.InsertCall(rec); err == nil {
			err = r.store.FinishCall(rec)
		}
	}
	if err != nil {
		level.Warn(r.logger).Log("msg", "record call end failed", "call_id", rec.CallID, "err", err)
	}
}

// logCue stands in for audible cues on headless nodes.
type logCue struct {
	logger log.Logger
}

func (c logCue) CallStarted(peer models.NodeID) {
	level.Info(c.logger).Log("msg", "call started", "peer", peer)
}

func (c logCue) CallEnded(peer models.NodeID) {
	level.Info(c.logger).Log("msg", "call ended", "peer", peer)
}
