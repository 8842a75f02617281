package core

// Network event loop: one goroutine owns the libp2p host, the Kademlia
// routing table, the gossip topic and every pending-operation map. All
// external interaction goes through the command channel; see Client for the
// request/reply façade.

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

const (
	// protocolTimeout bounds a single request/response exchange.
	protocolTimeout = 20 * time.Second

	blocksTopicName = "pyrsia/blocks/1"
)

// NetworkConfig carries the event-loop constructor inputs.
type NetworkConfig struct {
	// Key is the node's long-term ed25519 identity, shared with the
	// blockchain layer.
	Key ed25519.PrivateKey
}

// NetworkEvent is an unsolicited event routed to the owner of the event
// stream (the artifact service).
type NetworkEvent interface{ isNetworkEvent() }

// RequestArtifactEvent reports an inbound artifact request. The responder
// must eventually call Client.RespondArtifact with the channel.
type RequestArtifactEvent struct {
	ArtifactID string
	Channel    *ArtifactResponseChannel
}

func (RequestArtifactEvent) isNetworkEvent() {}

// ArtifactResponseChannel carries the response back to the open stream.
type ArtifactResponseChannel struct {
	out chan artifactResponse
}

type artifactResponse struct {
	data []byte
	err  error
}

// PeerStatus is the reply to a Status command.
type PeerStatus struct {
	PeerID      string   `json:"peer_id"`
	PeersCount  int      `json:"peers_count"`
	PeerAddrs   []string `json:"peer_addrs"`
	ListenAddrs []string `json:"listen_addrs"`
}

type networkCommand interface{ isNetworkCommand() }

type listenCommand struct {
	addr  string
	reply chan error
}

type dialCommand struct {
	addr  string
	reply chan error
}

type listPeersCommand struct {
	reply chan []peer.ID
}

type provideCommand struct {
	key   string
	reply chan error
}

type listProvidersCommand struct {
	key   string
	reply chan providersResult
}

type providersResult struct {
	providers []peer.ID
	err       error
}

type requestArtifactCommand struct {
	peer  peer.ID
	key   string
	reply chan artifactResponse
}

type requestIdleMetricCommand struct {
	peer  peer.ID
	reply chan idleMetricResult
}

type idleMetricResult struct {
	metric float64
	err    error
}

type requestBlocksCommand struct {
	peer     peer.ID
	from, to Ordinal
	reply    chan blocksResult
}

type blocksResult struct {
	blocks []*Block
	err    error
}

type broadcastBlockCommand struct {
	block *Block
	reply chan error
}

type peerStatusCommand struct {
	reply chan PeerStatus
}

func (listenCommand) isNetworkCommand()            {}
func (dialCommand) isNetworkCommand()              {}
func (listPeersCommand) isNetworkCommand()         {}
func (provideCommand) isNetworkCommand()           {}
func (listProvidersCommand) isNetworkCommand()     {}
func (requestArtifactCommand) isNetworkCommand()   {}
func (requestIdleMetricCommand) isNetworkCommand() {}
func (requestBlocksCommand) isNetworkCommand()     {}
func (broadcastBlockCommand) isNetworkCommand()    {}
func (peerStatusCommand) isNetworkCommand()        {}

// EventLoop owns the swarm. Construct with NewEventLoop, wire the block
// provider, then call Run on its own goroutine.
type EventLoop struct {
	host     host.Host
	dht      *dht.IpfsDHT
	pubsub   *pubsub.PubSub
	topic    *pubsub.Topic
	commands chan networkCommand
	events   chan NetworkEvent

	// pendingDials defers Dial replies until the identify exchange with
	// the remote completed and its listen addresses joined the routing
	// table.
	pendingDials map[peer.ID][]chan error

	blocks *BlockchainClient
}

// NewEventLoop builds the libp2p host (TCP with DNS resolution, Noise over
// the node identity, yamux multiplexing), the Kademlia DHT and the gossip
// topic. The host starts with no listen addresses; use Client.Listen.
func NewEventLoop(ctx context.Context, cfg NetworkConfig) (*EventLoop, error) {
	identity, err := crypto.UnmarshalEd25519PrivateKey(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("node identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(identity),
		libp2p.NoListenAddrs,
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create kademlia dht: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	topic, err := ps.Join(blocksTopicName)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("join topic %s: %w", blocksTopicName, err)
	}

	el := &EventLoop{
		host:         h,
		dht:          kad,
		pubsub:       ps,
		topic:        topic,
		commands:     make(chan networkCommand, 64),
		events:       make(chan NetworkEvent, 64),
		pendingDials: make(map[peer.ID][]chan error),
	}
	el.host.SetStreamHandler(artifactProtocolID, el.handleArtifactStream)
	el.host.SetStreamHandler(idleMetricProtocolID, el.handleIdleMetricStream)
	el.host.SetStreamHandler(blocksProtocolID, el.handleBlocksStream)
	return el, nil
}

// SetBlockProvider attaches the blockchain handle used to serve catch-up
// requests and to apply gossiped blocks. Must be called before Run.
func (el *EventLoop) SetBlockProvider(blocks *BlockchainClient) {
	el.blocks = blocks
}

// Events is the unsolicited event stream; the artifact service consumes it.
func (el *EventLoop) Events() <-chan NetworkEvent {
	return el.events
}

// Client returns the command façade bound to this loop.
func (el *EventLoop) Client() *Client {
	return &Client{commands: el.commands}
}

// Run multiplexes the command channel, identify events and block gossip
// until ctx is done. It is the only goroutine that touches the pending
// maps.
func (el *EventLoop) Run(ctx context.Context) {
	sub, err := el.host.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		logrus.Errorf("subscribe identify events: %v", err)
		return
	}
	defer sub.Close()
	defer el.host.Close()

	gossip, err := el.topic.Subscribe()
	if err != nil {
		logrus.Errorf("subscribe block gossip: %v", err)
		return
	}
	go el.consumeGossip(ctx, gossip)

	for {
		select {
		case <-ctx.Done():
			for id, waiters := range el.pendingDials {
				for _, w := range waiters {
					w <- ErrChannelClosed
				}
				delete(el.pendingDials, id)
			}
			return
		case cmd := <-el.commands:
			el.handleCommand(ctx, cmd)
		case evt := <-sub.Out():
			el.handleIdentifyCompleted(evt.(event.EvtPeerIdentificationCompleted))
		}
	}
}

// handleIdentifyCompleted resolves deferred dials and feeds the remote's
// listen addresses into the routing table.
func (el *EventLoop) handleIdentifyCompleted(evt event.EvtPeerIdentificationCompleted) {
	logrus.Debugf("identify completed for peer %s (%d addrs)", evt.Peer, len(evt.ListenAddrs))
	for _, addr := range evt.ListenAddrs {
		el.host.Peerstore().AddAddr(evt.Peer, addr, time.Hour)
	}
	if waiters, ok := el.pendingDials[evt.Peer]; ok {
		for _, w := range waiters {
			w <- nil
		}
		delete(el.pendingDials, evt.Peer)
	}
}

func (el *EventLoop) handleCommand(ctx context.Context, cmd networkCommand) {
	switch c := cmd.(type) {
	case listenCommand:
		c.reply <- el.listen(c.addr)
	case dialCommand:
		el.dial(ctx, c)
	case listPeersCommand:
		c.reply <- el.host.Network().Peers()
	case provideCommand:
		go func() {
			c.reply <- el.provide(ctx, c.key)
		}()
	case listProvidersCommand:
		go func() {
			providers, err := el.findProviders(ctx, c.key)
			c.reply <- providersResult{providers: providers, err: err}
		}()
	case requestArtifactCommand:
		go func() {
			data, err := el.requestArtifact(ctx, c.peer, c.key)
			c.reply <- artifactResponse{data: data, err: err}
		}()
	case requestIdleMetricCommand:
		go func() {
			metric, err := el.requestIdleMetric(ctx, c.peer)
			c.reply <- idleMetricResult{metric: metric, err: err}
		}()
	case requestBlocksCommand:
		go func() {
			blocks, err := el.requestBlocks(ctx, c.peer, c.from, c.to)
			c.reply <- blocksResult{blocks: blocks, err: err}
		}()
	case broadcastBlockCommand:
		go func() {
			c.reply <- el.publishBlock(ctx, c.block)
		}()
	case peerStatusCommand:
		c.reply <- el.status()
	}
}

func (el *EventLoop) listen(addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	if err := el.host.Network().Listen(maddr); err != nil {
		return fmt.Errorf("listen on %q: %w", addr, err)
	}
	logrus.Infof("listening on %s", addr)
	return nil
}

// dial connects out and defers the reply until identify completes, so a
// successful reply implies the remote's addresses are in the routing table.
func (el *EventLoop) dial(ctx context.Context, c dialCommand) {
	info, err := addrInfoFromString(c.addr)
	if err != nil {
		c.reply <- err
		return
	}
	el.pendingDials[info.ID] = append(el.pendingDials[info.ID], c.reply)
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, protocolTimeout)
		defer cancel()
		if err := el.host.Connect(dialCtx, *info); err != nil {
			c.reply <- fmt.Errorf("dial %s: %w", c.addr, err)
		}
	}()
}

func (el *EventLoop) provide(ctx context.Context, key string) error {
	provideCtx, cancel := context.WithTimeout(ctx, protocolTimeout)
	defer cancel()
	c, err := contentIDForKey(key)
	if err != nil {
		return err
	}
	if err := el.dht.Provide(provideCtx, c, true); err != nil {
		return fmt.Errorf("provide %q: %w", key, err)
	}
	logrus.Debugf("advertised provider record for %s", key)
	return nil
}

func (el *EventLoop) findProviders(ctx context.Context, key string) ([]peer.ID, error) {
	findCtx, cancel := context.WithTimeout(ctx, protocolTimeout)
	defer cancel()
	c, err := contentIDForKey(key)
	if err != nil {
		return nil, err
	}
	var providers []peer.ID
	for info := range el.dht.FindProvidersAsync(findCtx, c, 0) {
		if info.ID == el.host.ID() {
			continue
		}
		providers = append(providers, info.ID)
	}
	return providers, nil
}

func (el *EventLoop) publishBlock(ctx context.Context, b *Block) error {
	data, err := encodeBlockGossip(b)
	if err != nil {
		return err
	}
	if err := el.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish block %d: %w", b.Header.Ordinal, err)
	}
	return nil
}

// consumeGossip applies gossiped blocks through the blockchain service.
// Invalid blocks are dropped without penalizing the sender.
func (el *EventLoop) consumeGossip(ctx context.Context, sub *pubsub.Subscription) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == el.host.ID() {
			continue
		}
		block, err := decodeBlockGossip(msg.Data)
		if err != nil {
			logrus.Warnf("drop malformed gossip block from %s: %v", msg.ReceivedFrom, err)
			continue
		}
		if el.blocks == nil {
			continue
		}
		if err := el.blocks.AcceptBlock(ctx, block, msg.ReceivedFrom.String()); err != nil {
			logrus.Debugf("drop gossip block %d from %s: %v", block.Header.Ordinal, msg.ReceivedFrom, err)
		}
	}
}

func (el *EventLoop) status() PeerStatus {
	peers := el.host.Network().Peers()
	addrs := el.host.Addrs()
	listen := make([]string, 0, len(addrs))
	for _, a := range addrs {
		listen = append(listen, a.String())
	}
	peerAddrs := make([]string, 0, len(peers))
	for _, p := range peers {
		peerAddrs = append(peerAddrs, p.String())
	}
	return PeerStatus{
		PeerID:      el.host.ID().String(),
		PeersCount:  len(peers),
		PeerAddrs:   peerAddrs,
		ListenAddrs: listen,
	}
}

func addrInfoFromString(addr string) (*peer.AddrInfo, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("parse peer address %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("peer address %q has no peer id: %w", addr, err)
	}
	return info, nil
}
