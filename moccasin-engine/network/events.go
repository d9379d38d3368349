package network

import (
	"github.com/goccy/go-json"
)

// EventType names a facade event.
type EventType string

// Facade events.
const (
	EventOnline               EventType = "online"
	EventPeerConnected        EventType = "peer-connected"
	EventPeerDisconnected     EventType = "peer-disconnected"
	EventPeerConnectionFailed EventType = "peer-connection-failed"
	EventPeerMessageReceived  EventType = "peer-message-received"
	EventFrameDecodeFailed    EventType = "frame-decode-failed"
	EventOffline              EventType = "offline"
)

// Event is delivered to SubscribeEvents channels. Which fields are set
// depends on Type: online and peer events carry the endpoint, message events
// carry Channel and Payload, failures carry Err.
type Event struct {
	Type    EventType
	Address string
	Port    int
	Channel string
	Payload json.RawMessage
	Err     error
}
