package rtc

import (
	"math/rand/v2"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/audio"
	"github.com/ent0n29/agentbridge/internal/media"
)

// 20 ms of PCMU at 8 kHz.
const pcmuSamplesPerPacket = 160

// packetizer slices a PCM16 stream into fixed-size PCMU RTP packets.
type packetizer struct {
	ssrc    uint32
	seq     uint16
	ts      uint32
	started bool
	pending []int16
}

func newPacketizer(ssrc uint32) *packetizer {
	return &packetizer{
		ssrc: ssrc,
		seq:  uint16(rand.Uint32()),
		ts:   rand.Uint32(),
	}
}

func (p *packetizer) push(samples []int16) []*rtp.Packet {
	p.pending = append(p.pending, samples...)
	var out []*rtp.Packet
	for len(p.pending) >= pcmuSamplesPerPacket {
		chunk := p.pending[:pcmuSamplesPerPacket]
		out = append(out, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         !p.started,
				PayloadType:    pcmuPayloadType,
				SequenceNumber: p.seq,
				Timestamp:      p.ts,
				SSRC:           p.ssrc,
			},
			Payload: audio.EncodeULaw(chunk),
		})
		p.started = true
		p.seq++
		p.ts += pcmuSamplesPerPacket
		p.pending = p.pending[pcmuSamplesPerPacket:]
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return out
}

// publisher pumps one local media track into the negotiated RTP track.
type publisher struct {
	local  *webrtc.TrackLocalStaticRTP
	track  media.Track
	rs     *audio.Resampler
	pkt    *packetizer
	logger *zap.Logger

	frames chan []int16
	remove func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newPublisher(local *webrtc.TrackLocalStaticRTP, track media.Track, logger *zap.Logger) (*publisher, error) {
	rs, err := audio.NewResampler(track.SampleRate(), pcmuClockRate)
	if err != nil {
		return nil, err
	}
	p := &publisher{
		local:  local,
		track:  track,
		rs:     rs,
		pkt:    newPacketizer(rand.Uint32()),
		logger: logger,
		frames: make(chan []int16, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.remove = track.AddSink(p.offer)
	go p.run()
	return p, nil
}

// offer never blocks the producer; frames are dropped while the pump lags.
func (p *publisher) offer(frame audio.Frame) {
	select {
	case p.frames <- frame.Samples:
	default:
	}
}

func (p *publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case <-p.track.Done():
			return
		case samples := <-p.frames:
			out, err := p.rs.Process(samples)
			if err != nil {
				p.logger.Warn("publish resample failed", zap.Error(err))
				continue
			}
			for _, pkt := range p.pkt.push(out) {
				if err := p.local.WriteRTP(pkt); err != nil {
					p.logger.Debug("publish write failed", zap.Error(err))
				}
			}
		}
	}
}

func (p *publisher) stop() {
	p.once.Do(func() {
		p.remove()
		close(p.quit)
	})
	<-p.done
}
