// Package peer maintains one authenticated bidirectional link per configured
// contributor. The handshake binds each TCP connection to the peer's known
// transport public key, so an address cannot be impersonated. Messages from
// a single peer are delivered in send order; nothing is guaranteed across
// peers.
package peer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"lukechampine.com/frand"

	"github.com/avsguild/contributor/client/modules/keystore"
	"github.com/avsguild/contributor/client/modules/logger"
	"github.com/avsguild/contributor/client/types"
)

const (
	handshakeContext = "contributor peer handshake"
	nonceSize        = 32

	handshakeTimeout = 10 * time.Second
	dialTimeout      = 5 * time.Second

	inboundBacklog = 256
	eventBacklog   = 64
)

type Channel interface {
	Start(ctx context.Context) error
	Broadcast(ctx context.Context, envelope Envelope) error
	Inbound() <-chan Inbound
	Events() <-chan LinkEvent
	Close() error
}

type hello struct {
	NodeID string `json:"node_id"`
	Nonce  []byte `json:"nonce"`
}

type helloAck struct {
	NodeID    string `json:"node_id"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature"`
}

type helloFin struct {
	Signature []byte `json:"signature"`
}

func challenge(nonce []byte) []byte {
	return append([]byte(handshakeContext), nonce...)
}

// link is the send side of one peer connection. The send mutex keeps bytes
// of a single frame from interleaving when several sessions broadcast at
// once.
type link struct {
	peer *types.Peer

	sendMu sync.Mutex

	connMu sync.Mutex
	conn   net.Conn
}

func (l *link) swap(conn net.Conn) net.Conn {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	old := l.conn
	l.conn = conn
	return old
}

func (l *link) clear(conn net.Conn) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == conn {
		l.conn = nil
	}
}

func (l *link) current() net.Conn {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	return l.conn
}

func (l *link) send(v interface{}) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	conn := l.current()
	if conn == nil {
		return fmt.Errorf("link to peer %s is down", l.peer.ID)
	}

	return writeFrame(conn, v)
}

type TCPChannel struct {
	selfID     string
	listenAddr string
	keyPair    *keystore.KeyPair
	topology   *types.Topology
	logger     logger.Logger

	links   map[string]*link
	inbound chan Inbound
	events  chan LinkEvent

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewTCPChannel(
	selfID string,
	listenAddr string,
	keyPair *keystore.KeyPair,
	topology *types.Topology,
	log logger.Logger,
) *TCPChannel {
	links := make(map[string]*link)
	for _, other := range topology.Others(selfID) {
		links[other.ID] = &link{peer: other}
	}

	return &TCPChannel{
		selfID:     selfID,
		listenAddr: listenAddr,
		keyPair:    keyPair,
		topology:   topology,
		logger:     log,
		links:      links,
		inbound:    make(chan Inbound, inboundBacklog),
		events:     make(chan LinkEvent, eventBacklog),
	}
}

// Start begins accepting inbound peer connections and dialing outbound
// ones. The node with the lower id dials, the other accepts, so each pair
// keeps a single link.
func (c *TCPChannel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	listener, err := net.Listen("tcp", c.listenAddr)
	if err != nil {
		return &types.TransientNetworkError{Err: fmt.Errorf("failed to listen on %s: %w", c.listenAddr, err)}
	}
	c.listener = listener

	c.wg.Add(1)
	go c.acceptLoop(ctx)

	for peerID, peerLink := range c.links {
		if c.selfID < peerID {
			c.wg.Add(1)
			go c.maintainLoop(ctx, peerLink)
		}
	}

	return nil
}

// Addr returns the bound listen address.
func (c *TCPChannel) Addr() string {
	if c.listener == nil {
		return c.listenAddr
	}
	return c.listener.Addr().String()
}

func (c *TCPChannel) Inbound() <-chan Inbound {
	return c.inbound
}

func (c *TCPChannel) Events() <-chan LinkEvent {
	return c.events
}

// Broadcast signs the envelope and sends it to every peer with a live link.
// Unreachable peers are skipped; reconnection delivers nothing
// retroactively, peers simply time the sender out for that session.
func (c *TCPChannel) Broadcast(_ context.Context, envelope Envelope) error {
	envelope.SenderID = c.selfID
	envelope.Signature = c.keyPair.TransportSign(envelope.Bytes())

	for peerID, peerLink := range c.links {
		if err := peerLink.send(&envelope); err != nil {
			c.logger.Log("failed to send %s to peer %s: %v", envelope.Kind, peerID, err)
		}
	}

	return nil
}

func (c *TCPChannel) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.listener != nil {
		_ = c.listener.Close()
	}
	for _, peerLink := range c.links {
		if conn := peerLink.current(); conn != nil {
			_ = conn.Close()
		}
	}
	c.wg.Wait()
	return nil
}

func (c *TCPChannel) acceptLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				c.logger.Log("accept loop stopped: %v", err)
			}
			return
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleInbound(ctx, conn)
		}()
	}
}

// handleInbound runs the responder side of the handshake and then serves
// the connection until it fails.
func (c *TCPChannel) handleInbound(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	var greeting hello
	if err := readFrame(conn, &greeting); err != nil {
		c.logger.Log("failed to read handshake: %v", err)
		_ = conn.Close()
		return
	}

	peerLink, ok := c.links[greeting.NodeID]
	if !ok {
		c.logger.Log("rejected handshake from unknown peer %s", greeting.NodeID)
		_ = conn.Close()
		return
	}

	nonce := frand.Bytes(nonceSize)
	ack := helloAck{
		NodeID:    c.selfID,
		Nonce:     nonce,
		Signature: c.keyPair.TransportSign(challenge(greeting.Nonce)),
	}
	if err := writeFrame(conn, &ack); err != nil {
		c.logger.Log("failed to answer handshake of peer %s: %v", greeting.NodeID, err)
		_ = conn.Close()
		return
	}

	var fin helloFin
	if err := readFrame(conn, &fin); err != nil {
		c.logger.Log("failed to finish handshake of peer %s: %v", greeting.NodeID, err)
		_ = conn.Close()
		return
	}
	if !ed25519.Verify(peerLink.peer.TransportPubKey, challenge(nonce), fin.Signature) {
		c.logger.Log("peer %s failed the handshake challenge", greeting.NodeID)
		_ = conn.Close()
		return
	}

	_ = conn.SetDeadline(time.Time{})
	c.serve(ctx, peerLink, conn)
}

// maintainLoop keeps one outbound link alive, reconnecting with exponential
// backoff after transport failures.
func (c *TCPChannel) maintainLoop(ctx context.Context, peerLink *link) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		conn, err := c.dialAndHandshake(peerLink)
		if err != nil {
			c.logger.Log("failed to connect to peer %s: %v", peerLink.peer.ID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
				continue
			}
		}

		bo.Reset()
		c.serve(ctx, peerLink, conn)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dialAndHandshake runs the initiator side of the handshake.
func (c *TCPChannel) dialAndHandshake(peerLink *link) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", peerLink.peer.Address, dialTimeout)
	if err != nil {
		return nil, &types.TransientNetworkError{Err: err}
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	nonce := frand.Bytes(nonceSize)
	if err := writeFrame(conn, &hello{NodeID: c.selfID, Nonce: nonce}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	var ack helloAck
	if err := readFrame(conn, &ack); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ack.NodeID != peerLink.peer.ID {
		_ = conn.Close()
		return nil, fmt.Errorf("peer at %s identified as %s, expected %s", peerLink.peer.Address, ack.NodeID, peerLink.peer.ID)
	}
	if !ed25519.Verify(peerLink.peer.TransportPubKey, challenge(nonce), ack.Signature) {
		_ = conn.Close()
		return nil, fmt.Errorf("peer %s failed the handshake challenge", peerLink.peer.ID)
	}

	if err := writeFrame(conn, &helloFin{Signature: c.keyPair.TransportSign(challenge(ack.Nonce))}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// serve attaches an authenticated connection to the link and pumps inbound
// frames until the connection fails. Blocks for the connection lifetime.
func (c *TCPChannel) serve(ctx context.Context, peerLink *link, conn net.Conn) {
	if old := peerLink.swap(conn); old != nil {
		_ = old.Close()
	}
	c.emit(LinkEvent{PeerID: peerLink.peer.ID, Up: true})

	c.readLoop(ctx, peerLink, conn)

	peerLink.clear(conn)
	_ = conn.Close()
	c.emit(LinkEvent{PeerID: peerLink.peer.ID, Up: false})
}

func (c *TCPChannel) readLoop(ctx context.Context, peerLink *link, conn net.Conn) {
	for {
		var envelope Envelope
		if err := readFrame(conn, &envelope); err != nil {
			select {
			case <-ctx.Done():
			default:
				c.logger.Log("link to peer %s dropped: %v", peerLink.peer.ID, err)
			}
			return
		}

		if envelope.SenderID != peerLink.peer.ID {
			c.logger.Log("dropped envelope from peer %s claiming to be %s", peerLink.peer.ID, envelope.SenderID)
			continue
		}
		if err := envelope.Verify(peerLink.peer.TransportPubKey); err != nil {
			c.logger.Log("dropped unverifiable envelope from peer %s: %v", peerLink.peer.ID, err)
			continue
		}

		select {
		case c.inbound <- Inbound{PeerID: peerLink.peer.ID, Envelope: envelope}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *TCPChannel) emit(event LinkEvent) {
	select {
	case c.events <- event:
	default:
		c.logger.Log("dropped link event for peer %s", event.PeerID)
	}
}
