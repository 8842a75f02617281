package core

// Client is the request/reply façade over the network event loop. Handles
// are cheap to copy; every call funnels through the loop's command channel.

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// Client exposes the peer-network command API.
type Client struct {
	commands chan networkCommand
}

// Listen binds a listen address, replying once bound.
func (c *Client) Listen(ctx context.Context, addr string) error {
	reply := make(chan error, 1)
	select {
	case c.commands <- listenCommand{addr: addr, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial connects to a peer multiaddr. The reply is deferred until the
// identify handshake completed and the remote's addresses are routable.
func (c *Client) Dial(ctx context.Context, addr string) error {
	reply := make(chan error, 1)
	select {
	case c.commands <- dialCommand{addr: addr, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListPeers returns the currently connected peers.
func (c *Client) ListPeers(ctx context.Context) ([]peer.ID, error) {
	reply := make(chan []peer.ID, 1)
	select {
	case c.commands <- listPeersCommand{reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case peers := <-reply:
		return peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Provide advertises this node as a provider of key on the DHT.
func (c *Client) Provide(ctx context.Context, key string) error {
	reply := make(chan error, 1)
	select {
	case c.commands <- provideCommand{key: key, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListProviders returns the peers currently advertising key.
func (c *Client) ListProviders(ctx context.Context, key string) ([]peer.ID, error) {
	reply := make(chan providersResult, 1)
	select {
	case c.commands <- listProvidersCommand{key: key, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.providers, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestArtifact pulls the artifact bytes for key from a specific peer.
func (c *Client) RequestArtifact(ctx context.Context, p peer.ID, key string) ([]byte, error) {
	reply := make(chan artifactResponse, 1)
	select {
	case c.commands <- requestArtifactCommand{peer: p, key: key, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RespondArtifact completes an inbound artifact request received on the
// event stream.
func (c *Client) RespondArtifact(channel *ArtifactResponseChannel, data []byte, err error) {
	channel.out <- artifactResponse{data: data, err: err}
	close(channel.out)
}

// RequestIdleMetric probes a peer for its current idleness score.
func (c *Client) RequestIdleMetric(ctx context.Context, p peer.ID) (float64, error) {
	reply := make(chan idleMetricResult, 1)
	select {
	case c.commands <- requestIdleMetricCommand{peer: p, reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.metric, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RequestBlocks fetches the contiguous block range [from, to] from a peer,
// identified by its textual peer id.
func (c *Client) RequestBlocks(ctx context.Context, peerID string, from, to Ordinal) ([]*Block, error) {
	p, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("decode peer id %q: %w", peerID, err)
	}
	reply := make(chan blocksResult, 1)
	select {
	case c.commands <- requestBlocksCommand{peer: p, from: from, to: to, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.blocks, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BroadcastBlock publishes a block to all connected peers.
func (c *Client) BroadcastBlock(ctx context.Context, b *Block) error {
	reply := make(chan error, 1)
	select {
	case c.commands <- broadcastBlockCommand{block: b, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status snapshots peer count, listen addresses and the local id.
func (c *Client) Status(ctx context.Context) (PeerStatus, error) {
	reply := make(chan PeerStatus, 1)
	select {
	case c.commands <- peerStatusCommand{reply: reply}:
	case <-ctx.Done():
		return PeerStatus{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return PeerStatus{}, ctx.Err()
	}
}

// GetIdlePeer probes every candidate provider in parallel and returns the
// one with the lowest idleness score. When every probe fails the first
// candidate wins, so a fully loaded neighborhood still serves.
func (c *Client) GetIdlePeer(ctx context.Context, providers []peer.ID) (peer.ID, error) {
	if len(providers) == 0 {
		return "", fmt.Errorf("no providers: %w", ErrNotFound)
	}

	type probe struct {
		peer   peer.ID
		metric float64
		err    error
	}
	results := make(chan probe, len(providers))
	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p peer.ID) {
			defer wg.Done()
			metric, err := c.RequestIdleMetric(ctx, p)
			results <- probe{peer: p, metric: metric, err: err}
		}(p)
	}
	wg.Wait()
	close(results)

	best := providers[0]
	bestMetric := 0.0
	found := false
	for res := range results {
		if res.err != nil {
			logrus.Debugf("idle-metric probe of %s failed: %v", res.peer, res.err)
			continue
		}
		if !found || res.metric < bestMetric {
			best = res.peer
			bestMetric = res.metric
			found = true
		}
	}
	return best, nil
}
