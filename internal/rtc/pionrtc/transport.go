// Package pionrtc implements rtc.MediaTransport on pion/webrtc.
package pionrtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"storylab-backend/internal/rtc"
	"storylab-backend/internal/signaling"
	"storylab-backend/pkg/logger"
)

// ErrForeignTrack is returned by AddTrack for a track this transport did not create
var ErrForeignTrack = errors.New("track was not created by the pion transport")

const pliInterval = 3 * time.Second

// Transport builds pion peer connections sharing one API instance
type Transport struct {
	api *webrtc.API
}

// New registers the default codecs and interceptors (NACK, RTCP reports,
// TWCC) and relaxes ICE timeouts so short relay outages do not drop a call.
func New() (*Transport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &Transport{api: api}, nil
}

// NewPeerConnection creates a pion peer connection using config's ICE servers
func (t *Transport) NewPeerConnection(config rtc.ICEConfig) (rtc.PeerConnection, error) {
	servers := make([]webrtc.ICEServer, 0, len(config.ICEServers))
	for _, s := range config.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}

	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &peerConnection{pc: pc}, nil
}

// GetUserMedia creates sample-fed local tracks: opus for audio, VP8 for
// video. A headless process has no capture device, so the tracks carry
// whatever the caller writes with WriteSample.
func (t *Transport) GetUserMedia(ctx context.Context, c rtc.Constraints) (*rtc.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no media kind requested", rtc.ErrMediaUnavailable)
	}

	streamID := "storylab-" + uuid.NewString()
	var tracks []rtc.LocalTrack

	if c.Audio {
		track, err := newLocalTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, rtc.TrackKindAudio, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	if c.Video {
		track, err := newLocalTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, rtc.TrackKindVideo, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	return rtc.NewStream(streamID, tracks...), nil
}

// LocalTrack is a pion sample track with enable/stop bookkeeping
type LocalTrack struct {
	*rtc.BaseTrack
	sample *webrtc.TrackLocalStaticSample
}

func newLocalTrack(codec webrtc.RTPCodecCapability, kind rtc.TrackKind, streamID string) (*LocalTrack, error) {
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	sample, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s track: %v", rtc.ErrMediaUnavailable, kind, err)
	}
	return &LocalTrack{BaseTrack: rtc.NewBaseTrack(id, kind, nil), sample: sample}, nil
}

// WriteSample sends one encoded frame. Frames written while the track is
// disabled or stopped are discarded.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.sample.WriteSample(s)
}

type peerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *peerConnection) AddTrack(track rtc.LocalTrack) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return ErrForeignTrack
	}

	sender, err := p.pc.AddTrack(lt.sample)
	if err != nil {
		return err
	}

	// Read incoming RTCP so interceptors (NACK, reports) keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *peerConnection) CreateOffer() (signaling.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (p *peerConnection) CreateAnswer() (signaling.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (p *peerConnection) SetLocalDescription(desc signaling.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *peerConnection) SetRemoteDescription(desc signaling.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *peerConnection) AddICECandidate(c signaling.ICECandidateInit) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peerConnection) OnICECandidate(fn func(signaling.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		cand := c.ToJSON()
		fn(signaling.ICECandidateInit{
			Candidate:        cand.Candidate,
			SDPMid:           cand.SDPMid,
			SDPMLineIndex:    cand.SDPMLineIndex,
			UsernameFragment: cand.UsernameFragment,
		})
	})
}

func (p *peerConnection) OnTrack(fn func(rtc.RemoteTrack)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := rtc.TrackKindAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = rtc.TrackKindVideo
			go p.requestKeyframes(remote)
		}

		fn(rtc.RemoteTrack{ID: remote.ID(), StreamID: remote.StreamID(), Kind: kind})

		go drain(remote)
	})
}

func (p *peerConnection) OnConnectionStateChange(fn func(rtc.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(rtc.ConnectionState(s.String()))
	})
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

// requestKeyframes sends a PLI periodically so a late decoder can start
func (p *peerConnection) requestKeyframes(remote *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for range ticker.C {
		err := p.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
		})
		if err != nil {
			return
		}
		if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
	}
}

// drain consumes RTP so the receive buffers never fill. Playback is a
// client concern.
func drain(remote *webrtc.TrackRemote) {
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			logger.Debug("Remote track ended",
				zap.String("track_id", remote.ID()),
				zap.Error(err))
			return
		}
	}
}

func toPion(desc signaling.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func fromPion(desc webrtc.SessionDescription) signaling.SessionDescription {
	return signaling.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}
