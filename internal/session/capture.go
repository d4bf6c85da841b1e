package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/audio"
	"github.com/ent0n29/agentbridge/internal/media"
	"github.com/ent0n29/agentbridge/internal/reliability"
	"github.com/ent0n29/agentbridge/internal/transport"
)

var errNoCaptureDevices = errors.New("no capture devices configured")

func (o *Orchestrator) captureConstraints() media.Constraints {
	processed := o.cfg.CaptureMode.processing()
	return media.Constraints{
		SampleRate: o.cfg.PipelineSampleRate,
		FrameMS:    o.cfg.FrameMS,
		Processing: audio.ProcessingConfig{
			EchoCancellation: processed,
			NoiseSuppression: processed,
			AutoGainControl:  processed,
		},
	}
}

// startCapture acquires the local capture stream and publishes it. Failures
// fall back to the transport's own microphone; if that fails too the error is
// recorded and the session stays up.
func (o *Orchestrator) startCapture(sess *activeSession) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("capture panic", zap.Any("panic", r))
		}
	}()

	stream, err := o.acquireCapture(sess)
	if !o.isCurrent(sess) {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err == nil {
		err = sess.conn.PublishTrack(sess.ctx, stream.Track(), transport.SourceMicrophone)
		if err != nil {
			stream.Stop()
			stream = nil
		}
	}
	if err != nil {
		o.logger.Warn("local capture unavailable, falling back to transport microphone", zap.Error(err))
		if ferr := sess.conn.EnableMicrophone(sess.ctx); ferr != nil {
			werr := reliability.Wrap(reliability.CategoryMedia, "capture", errors.Join(err, ferr))
			o.mu.Lock()
			current := o.currentLocked(sess)
			if current {
				o.store.SetError(werr.Error())
			}
			o.mu.Unlock()
			if current {
				o.reportError(werr)
			}
		}
		return
	}

	o.mu.Lock()
	if !o.currentLocked(sess) {
		o.mu.Unlock()
		stream.Stop()
		return
	}
	sess.capture = stream
	mon, merr := media.StartMonitor(sess.engine, stream.Track(), o.cfg.Monitor, func(v float64) {
		o.onInputVolume(sess, v)
	})
	if merr == nil {
		sess.inputMonitor = mon
	}
	o.mu.Unlock()

	if merr != nil {
		o.reportError(reliability.Wrap(reliability.CategoryMedia, "start input monitor", merr))
	}
	o.logger.Info("local capture published",
		zap.String("track", stream.Track().ID()),
		zap.String("mode", string(o.cfg.CaptureMode)),
		zap.Int("sample_rate", stream.Track().SampleRate()),
	)
}

func (o *Orchestrator) acquireCapture(sess *activeSession) (*media.CaptureStream, error) {
	if o.devices == nil {
		return nil, errNoCaptureDevices
	}
	return o.devices.GetUserMedia(sess.ctx, o.captureConstraints())
}

func (o *Orchestrator) onInputVolume(sess *activeSession, v float64) {
	o.mu.Lock()
	if o.currentLocked(sess) {
		o.store.SetInputVolume(v)
	}
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.InputVolume.Set(v)
	}
}
