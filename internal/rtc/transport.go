package rtc

import (
	"fmt"

	"storylab-backend/internal/signaling"
)

// ConnectionState mirrors the peer connection state reported by a transport
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// ICEServer is a STUN or TURN server
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ICEConfig configures a new peer connection
type ICEConfig struct {
	ICEServers []ICEServer
}

// DefaultICEConfig uses a single STUN server and no TURN relay, so peers
// behind symmetric NATs will not connect.
func DefaultICEConfig(stunURL string) ICEConfig {
	if stunURL == "" {
		return ICEConfig{}
	}
	return ICEConfig{ICEServers: []ICEServer{{URLs: []string{stunURL}}}}
}

// PeerConnection is the negotiation surface the Manager drives. Callbacks
// may fire on transport goroutines.
type PeerConnection interface {
	AddTrack(track LocalTrack) error
	CreateOffer() (signaling.SessionDescription, error)
	CreateAnswer() (signaling.SessionDescription, error)
	SetLocalDescription(desc signaling.SessionDescription) error
	SetRemoteDescription(desc signaling.SessionDescription) error
	AddICECandidate(candidate signaling.ICECandidateInit) error

	OnICECandidate(fn func(candidate signaling.ICECandidateInit))
	OnTrack(fn func(track RemoteTrack))
	OnConnectionStateChange(fn func(state ConnectionState))

	Close() error
}

// MediaTransport creates peer connections and acquires local media. The
// implementation is chosen once at startup from configuration.
type MediaTransport interface {
	MediaDevices
	NewPeerConnection(config ICEConfig) (PeerConnection, error)
}

// KindFor returns the constraints for a call type string (audio or video)
func KindFor(callType string) (Constraints, error) {
	switch callType {
	case "audio":
		return Constraints{Audio: true}, nil
	case "video":
		return Constraints{Audio: true, Video: true}, nil
	}
	return Constraints{}, fmt.Errorf("unknown call type %q", callType)
}
