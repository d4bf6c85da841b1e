package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/media"
	"github.com/ent0n29/agentbridge/internal/observability"
	"github.com/ent0n29/agentbridge/internal/reliability"
	"github.com/ent0n29/agentbridge/internal/store"
	"github.com/ent0n29/agentbridge/internal/transport"
)

// remoteAudio is the playback attachment and output monitor for one
// subscribed remote track.
type remoteAudio struct {
	track    media.Track
	owner    string
	playback *media.Playback
	monitor  *media.Monitor

	detached chan struct{}
	once     sync.Once
}

// stop must be called without the orchestrator lock held.
func (ra *remoteAudio) stop() {
	ra.once.Do(func() { close(ra.detached) })
	if ra.monitor != nil {
		ra.monitor.Stop()
	}
	if ra.playback != nil {
		_ = ra.playback.Stop()
	}
}

func (o *Orchestrator) attachRemote(sess *activeSession, track media.Track, owner *transport.Participant) {
	if track == nil || track.Direction() != media.DirectionInbound {
		return
	}
	ra := &remoteAudio{track: track, detached: make(chan struct{})}
	if owner != nil {
		ra.owner = owner.Identity
	}

	o.mu.Lock()
	if !o.currentLocked(sess) {
		o.mu.Unlock()
		return
	}
	if _, dup := sess.remote[track.ID()]; dup {
		o.mu.Unlock()
		return
	}
	sess.remote[track.ID()] = ra
	o.store.SetAudioStatus(store.AudioConnecting)
	mon, err := media.StartMonitor(sess.engine, track, o.cfg.Monitor, func(v float64) {
		o.onOutputVolume(sess, v)
	})
	if err == nil {
		ra.monitor = mon
		o.store.SetAudioMonitoring(true)
	}
	o.mu.Unlock()

	if err != nil {
		o.reportError(reliability.Wrap(reliability.CategoryMedia, "start output monitor", err))
	}
	o.logger.Info("remote audio attached", zap.String("track", track.ID()), zap.String("participant", ra.owner))
	o.startPlayback(sess, ra)
}

// startPlayback attaches the remote track to the playback output and waits
// for the sink to confirm the first frame.
func (o *Orchestrator) startPlayback(sess *activeSession, ra *remoteAudio) {
	pb, err := sess.engine.Play(ra.track, o.cfg.Playback)
	if err != nil {
		o.playbackFailed(sess, ra, err)
		return
	}

	o.mu.Lock()
	if !o.currentLocked(sess) || sess.remote[ra.track.ID()] != ra {
		o.mu.Unlock()
		_ = pb.Stop()
		return
	}
	ra.playback = pb
	o.mu.Unlock()

	go func() {
		select {
		case <-pb.Playing():
			o.mu.Lock()
			if o.currentLocked(sess) && sess.remote[ra.track.ID()] == ra {
				o.store.SetAudioStatus(store.AudioPlaying)
				if !sess.firstAudio {
					sess.firstAudio = true
					if o.metrics != nil {
						o.metrics.ObserveStage(observability.StageFirstAudio, time.Since(sess.connectedAt))
					}
				}
			}
			o.mu.Unlock()
			o.logger.Info("remote audio playing", zap.String("track", ra.track.ID()))
			select {
			case <-pb.Failed():
				o.playbackFailed(sess, ra, pb.Err())
			case <-ra.detached:
			}
		case <-pb.Failed():
			o.playbackFailed(sess, ra, pb.Err())
		case <-ra.detached:
		}
	}()
}

// playbackFailed records the failure and parks the track until the next
// Gesture call retries it.
func (o *Orchestrator) playbackFailed(sess *activeSession, ra *remoteAudio, err error) {
	if err == nil {
		err = errors.New("playback failed")
	}
	o.mu.Lock()
	if !o.currentLocked(sess) || sess.remote[ra.track.ID()] != ra {
		o.mu.Unlock()
		return
	}
	pb := ra.playback
	ra.playback = nil
	sess.blocked[ra.track.ID()] = ra
	o.store.SetAudioStatus(store.AudioError)
	o.mu.Unlock()

	if pb != nil {
		_ = pb.Stop()
	}
	if o.metrics != nil && errors.Is(err, media.ErrPlaybackBlocked) {
		o.metrics.ObserveIndicator("playback_blocked")
	}
	o.reportError(reliability.Wrap(reliability.CategoryPlayback, "play remote audio", err))
}

func (o *Orchestrator) detachRemote(sess *activeSession, trackID string) {
	o.mu.Lock()
	ra, ok := sess.remote[trackID]
	if !ok || !o.currentLocked(sess) {
		o.mu.Unlock()
		return
	}
	delete(sess.remote, trackID)
	delete(sess.blocked, trackID)
	if len(sess.remote) == 0 {
		o.store.SetAudioMonitoring(false)
		o.store.SetOutputVolume(0)
		o.store.SetAudioStatus(store.AudioIdle)
	}
	o.mu.Unlock()

	ra.stop()
	o.logger.Info("remote audio detached", zap.String("track", trackID))
}

func (o *Orchestrator) onOutputVolume(sess *activeSession, v float64) {
	o.mu.Lock()
	if o.currentLocked(sess) {
		o.store.SetOutputVolume(v)
	}
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.OutputVolume.Set(v)
	}
}

// monitoringLocked reports whether any remote track drives the output volume.
// A monitor that exited with its track no longer counts.
func (sess *activeSession) monitoringLocked() bool {
	for _, ra := range sess.remote {
		if ra.monitor == nil {
			continue
		}
		select {
		case <-ra.monitor.Done():
		default:
			return true
		}
	}
	return false
}
