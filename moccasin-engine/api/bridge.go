// Package api bridges a NetworkService to processes outside the Go binary
// (typically a GUI) over ZeroMQ, with optional token authentication.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	arrowipc "github.com/VanDung-dev/Moccasin-Engine/arrow"
	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/data"
	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/network"
)

// Bridge command names. The first frame of a request names the command and
// the second frame carries a JSON Request body.
const (
	CmdSendMessage          = "send-message"
	CmdSendMessageToChannel = "send-message-to-channel"
	CmdBroadcastMessage     = "broadcast-message"
	CmdPublish              = "publish"
	CmdSubscribe            = "subscribe"
	CmdUnsubscribe          = "unsubscribe"
	CmdPeers                = "peers"
	CmdStatus               = "status"

	// TopicChannelMessage is the PUB topic for messages on channels the
	// bridge subscribed to.
	TopicChannelMessage = "channel-message"

	outboxSize = 1024
)

// Bridge errors
var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrMissingChannel  = errors.New("channel is required")
	ErrMalformedFrames = errors.New("request must have a command frame and a body frame")
)

// Commander is the command set of the network facade that the bridge drives.
// *network.NetworkService implements it.
type Commander interface {
	SendMessageToChannel(address string, port int, payload json.RawMessage, channel string) error
	Publish(channel string, payload json.RawMessage) error
	Subscribe(channel string, handler network.ChannelHandler) bool
	Unsubscribe(channel string) bool
	SubscribeEvents(ch chan<- network.Event) event.Subscription
	Peers() []network.PeerInfo
	Candidates() []network.Candidate
	GetStatus() network.NetworkStatus
}

// Request is the JSON body of a bridge command.
type Request struct {
	Token   string          `json:"token,omitempty"`
	Address string          `json:"address,omitempty"`
	Port    int             `json:"port,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the JSON body of a bridge reply.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// EventMessage is the JSON body published for every facade event.
type EventMessage struct {
	Type    string          `json:"type"`
	Address string          `json:"address,omitempty"`
	Port    int             `json:"port,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BridgeConfig holds the bridge endpoints.
type BridgeConfig struct {
	PubAddress string `toml:"pub_address"`
	RepAddress string `toml:"rep_address"`
}

// DefaultBridgeConfig returns loopback endpoints.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		PubAddress: "tcp://127.0.0.1:5560",
		RepAddress: "tcp://127.0.0.1:5561",
	}
}

// Bridge exposes the network facade to out-of-process collaborators over
// ZeroMQ: events are published on a PUB socket and commands are served on a
// REP socket.
type Bridge struct {
	cmd       Commander
	config    BridgeConfig
	auth      *Authenticator
	logger    *zap.Logger
	converter *data.Converter
	codec     *arrowipc.IPCCodec

	ctx    context.Context
	cancel context.CancelFunc
	pub    zmq4.Socket
	rep    zmq4.Socket
	events chan network.Event
	outbox chan zmq4.Msg
	sub    event.Subscription
	// write replaces the PUB socket send when set
	write func(zmq4.Msg) error

	// channels the bridge subscribed on the facade
	channels map[string]struct{}
	mu       sync.Mutex
	running  bool
	wg       sync.WaitGroup
}

// NewBridge creates a bridge for cmd. A nil auth accepts every command.
func NewBridge(cmd Commander, config BridgeConfig, auth *Authenticator, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cmd:       cmd,
		config:    config,
		auth:      auth,
		logger:    logger,
		converter: data.NewConverter(),
		codec:     arrowipc.NewIPCCodec(),
		channels:  make(map[string]struct{}),
	}
}

// Start binds both sockets and begins serving.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("bridge already running")
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.pub = zmq4.NewPub(b.ctx)
	if err := b.pub.Listen(b.config.PubAddress); err != nil {
		b.cancel()
		return fmt.Errorf("failed to bind PUB %s: %w", b.config.PubAddress, err)
	}
	b.rep = zmq4.NewRep(b.ctx)
	if err := b.rep.Listen(b.config.RepAddress); err != nil {
		_ = b.pub.Close()
		b.cancel()
		return fmt.Errorf("failed to bind REP %s: %w", b.config.RepAddress, err)
	}

	b.events = make(chan network.Event, 256)
	b.outbox = make(chan zmq4.Msg, outboxSize)
	b.sub = b.cmd.SubscribeEvents(b.events)
	b.running = true

	b.wg.Add(3)
	go b.publishLoop()
	go b.writeLoop()
	go b.serveLoop()

	b.logger.Info("Bridge started",
		zap.String("pub", b.PubEndpoint()),
		zap.String("rep", b.RepEndpoint()),
		zap.Bool("auth", b.auth.IsEnabled()))
	return nil
}

// Stop closes both sockets and removes the bridge's channel subscriptions.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	for ch := range b.channels {
		b.cmd.Unsubscribe(ch)
		delete(b.channels, ch)
	}
	b.mu.Unlock()

	b.sub.Unsubscribe()
	b.cancel()
	_ = b.rep.Close()
	_ = b.pub.Close()
	b.wg.Wait()
	b.logger.Info("Bridge stopped")
}

// PubEndpoint returns the bound PUB endpoint, resolving an ephemeral port.
func (b *Bridge) PubEndpoint() string {
	return endpoint(b.pub, b.config.PubAddress)
}

// RepEndpoint returns the bound REP endpoint, resolving an ephemeral port.
func (b *Bridge) RepEndpoint() string {
	return endpoint(b.rep, b.config.RepAddress)
}

func endpoint(sck zmq4.Socket, configured string) string {
	if sck == nil {
		return configured
	}
	if addr, ok := sck.Addr().(*net.TCPAddr); ok && addr != nil {
		return "tcp://" + addr.String()
	}
	return configured
}

// publishLoop encodes facade events into the outbox. It never waits on the
// PUB socket, so a stalled subscriber cannot back up the event feed.
func (b *Bridge) publishLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case err := <-b.sub.Err():
			if err != nil {
				b.logger.Warn("Event subscription failed", zap.Error(err))
			}
			return
		case ev := <-b.events:
			msg, err := eventMsg(string(ev.Type), toEventMessage(ev))
			if err != nil {
				b.logger.Warn("Failed to encode event", zap.Error(err))
				continue
			}
			select {
			case b.outbox <- msg:
			default:
				b.logger.Warn("Bridge outbox full, dropping event", zap.String("type", string(ev.Type)))
			}
		}
	}
}

// writeLoop is the only writer on the PUB socket.
func (b *Bridge) writeLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.outbox:
			b.send(msg)
		}
	}
}

func (b *Bridge) send(msg zmq4.Msg) {
	write := b.write
	if write == nil {
		write = b.pub.SendMulti
	}
	if err := write(msg); err != nil && b.ctx.Err() == nil {
		b.logger.Debug("Publish failed", zap.Error(err))
	}
}

func toEventMessage(ev network.Event) EventMessage {
	m := EventMessage{
		Type:    string(ev.Type),
		Address: ev.Address,
		Port:    ev.Port,
		Channel: ev.Channel,
		Data:    ev.Payload,
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	return m
}

func eventMsg(topic string, body EventMessage) (zmq4.Msg, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return zmq4.Msg{}, err
	}
	return zmq4.NewMsgFrom([]byte(topic), raw), nil
}

// serveLoop answers every request on the REP socket.
func (b *Bridge) serveLoop() {
	defer b.wg.Done()

	for {
		msg, err := b.rep.Recv()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Debug("Failed to receive bridge request", zap.Error(err))
			continue
		}

		frames := b.Handle(msg.Frames)
		if err := b.rep.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil && b.ctx.Err() == nil {
			b.logger.Warn("Failed to send bridge reply", zap.Error(err))
		}
	}
}

// ParseRequest splits request frames into the command and its body.
func ParseRequest(frames [][]byte) (string, Request, error) {
	var req Request
	if len(frames) != 2 {
		return "", req, ErrMalformedFrames
	}
	command := string(frames[0])
	if len(frames[1]) > 0 {
		if err := json.Unmarshal(frames[1], &req); err != nil {
			return command, req, fmt.Errorf("invalid request body: %w", err)
		}
	}
	return command, req, nil
}

// Handle executes one request and returns the reply frames: the command, a
// JSON Response, and for peers two Arrow IPC streams (peers, candidates).
func (b *Bridge) Handle(frames [][]byte) [][]byte {
	command, req, err := ParseRequest(frames)
	if err == nil {
		err = b.auth.ValidateToken(req.Token)
	}
	if err != nil {
		return reply(command, Response{Error: err.Error()})
	}

	if command == CmdPeers {
		return b.handlePeers()
	}

	result, err := b.dispatch(command, req)
	if err != nil {
		b.logger.Debug("Bridge command failed", zap.String("command", command), zap.Error(err))
		return reply(command, Response{Error: err.Error()})
	}
	return reply(command, Response{Success: true, Result: result})
}

func (b *Bridge) dispatch(command string, req Request) (any, error) {
	switch command {
	case CmdSendMessage:
		channel := req.Channel
		if channel == "" {
			channel = network.DefaultSendChannel
		}
		return nil, b.cmd.SendMessageToChannel(req.Address, req.Port, req.Data, channel)

	case CmdSendMessageToChannel:
		if req.Channel == "" {
			return nil, ErrMissingChannel
		}
		return nil, b.cmd.SendMessageToChannel(req.Address, req.Port, req.Data, req.Channel)

	case CmdBroadcastMessage:
		return nil, b.cmd.Publish(network.DefaultBroadcastChannel, req.Data)

	case CmdPublish:
		if req.Channel == "" {
			return nil, ErrMissingChannel
		}
		return nil, b.cmd.Publish(req.Channel, req.Data)

	case CmdSubscribe:
		if req.Channel == "" {
			return nil, ErrMissingChannel
		}
		return map[string]bool{"subscribed": b.subscribe(req.Channel)}, nil

	case CmdUnsubscribe:
		if req.Channel == "" {
			return nil, ErrMissingChannel
		}
		return map[string]bool{"unsubscribed": b.unsubscribe(req.Channel)}, nil

	case CmdStatus:
		return b.cmd.GetStatus(), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

// subscribe registers a facade handler that republishes channel messages on
// the PUB socket.
func (b *Bridge) subscribe(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ok := b.cmd.Subscribe(channel, func(payload json.RawMessage, address string, port int) {
		msg, err := eventMsg(TopicChannelMessage, EventMessage{
			Type:    TopicChannelMessage,
			Address: address,
			Port:    port,
			Channel: channel,
			Data:    payload,
		})
		if err != nil {
			return
		}
		select {
		case b.outbox <- msg:
		default:
			b.logger.Warn("Bridge outbox full, dropping channel message", zap.String("channel", channel))
		}
	})
	if ok {
		b.channels[channel] = struct{}{}
	}
	return ok
}

// unsubscribe only removes channels the bridge itself subscribed.
func (b *Bridge) unsubscribe(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels[channel]; !ok {
		return false
	}
	delete(b.channels, channel)
	return b.cmd.Unsubscribe(channel)
}

func (b *Bridge) handlePeers() [][]byte {
	peers := b.cmd.Peers()
	candidates := b.cmd.Candidates()

	peerRec := b.converter.PeersToRecord(peers)
	defer peerRec.Release()
	candRec := b.converter.CandidatesToRecord(candidates)
	defer candRec.Release()

	peerIPC, err := b.codec.Encode(peerRec)
	if err != nil {
		return reply(CmdPeers, Response{Error: err.Error()})
	}
	candIPC, err := b.codec.Encode(candRec)
	if err != nil {
		return reply(CmdPeers, Response{Error: err.Error()})
	}

	frames := reply(CmdPeers, Response{
		Success: true,
		Result: map[string]int{
			"peers":      len(peers),
			"candidates": len(candidates),
		},
	})
	return append(frames, peerIPC, candIPC)
}

func reply(command string, resp Response) [][]byte {
	body, err := json.Marshal(resp)
	if err != nil {
		body = []byte(`{"success":false,"error":"failed to encode response"}`)
	}
	return [][]byte{[]byte(command), body}
}
