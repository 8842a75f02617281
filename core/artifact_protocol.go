package core

// Wire protocols multiplexed over the libp2p transport: artifact
// request/response, idle-metric probing and block catch-up. Frames are a
// 4-byte big-endian length followed by the payload; artifact and block
// responses lead with a status byte so errors travel without tearing the
// stream down. The idle-metric exchange is unframed: a one-byte probe
// answered by 8 raw bytes. A blocks request is two raw 8-byte big-endian
// ordinals.

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
)

const (
	artifactProtocolID   = protocol.ID("/pyrsia/artifact/1")
	idleMetricProtocolID = protocol.ID("/pyrsia/idle-metric/1")
	blocksProtocolID     = protocol.ID("/pyrsia/blocks/1")
)

const (
	statusOK    = 0
	statusError = 1
)

// maxFrameSize bounds a single artifact transfer frame.
const maxFrameSize = 1 << 30

// contentIDForKey maps a provider key (artifact id bytes) to the DHT
// content id, a raw CIDv1 over the SHA2-256 multihash of the key.
func contentIDForKey(key string) (cid.Cid, error) {
	encoded, err := mh.Sum([]byte(key), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash provider key: %w", err)
	}
	return cid.NewCidV1(cid.Raw, encoded), nil
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeStatusFrame(w io.Writer, data []byte, respErr error) error {
	if respErr != nil {
		if _, err := w.Write([]byte{statusError}); err != nil {
			return err
		}
		return writeFrame(w, []byte(respErr.Error()))
	}
	if _, err := w.Write([]byte{statusOK}); err != nil {
		return err
	}
	return writeFrame(w, data)
}

func readStatusFrame(r io.Reader) ([]byte, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, err
	}
	data, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if status[0] != statusOK {
		return nil, fmt.Errorf("peer error: %s", data)
	}
	return data, nil
}

// handleArtifactStream serves one inbound artifact request. The request is
// routed to the event stream; the artifact service answers through
// Client.RespondArtifact. Requests on the same stream are processed in
// arrival order.
func (el *EventLoop) handleArtifactStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(protocolTimeout))

	key, err := readFrame(s)
	if err != nil {
		logrus.Debugf("read artifact request from %s: %v", s.Conn().RemotePeer(), err)
		_ = s.Reset()
		return
	}

	channel := &ArtifactResponseChannel{out: make(chan artifactResponse, 1)}
	el.events <- RequestArtifactEvent{ArtifactID: string(key), Channel: channel}

	resp, ok := <-channel.out
	if !ok {
		_ = s.Reset()
		return
	}
	if err := writeStatusFrame(s, resp.data, resp.err); err != nil {
		logrus.Debugf("write artifact response to %s: %v", s.Conn().RemotePeer(), err)
		_ = s.Reset()
	}
}

// requestArtifact opens a stream to the peer and performs one exchange.
func (el *EventLoop) requestArtifact(ctx context.Context, p peer.ID, key string) ([]byte, error) {
	s, err := el.host.NewStream(ctx, p, artifactProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open artifact stream to %s: %w", p, err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(protocolTimeout))

	if err := writeFrame(s, []byte(key)); err != nil {
		return nil, fmt.Errorf("send artifact request to %s: %w", p, err)
	}
	data, err := readStatusFrame(s)
	if err != nil {
		return nil, fmt.Errorf("artifact response from %s: %w", p, err)
	}
	return data, nil
}

// handleIdleMetricStream answers a probe with the local idleness score as
// an 8-byte little-endian IEEE-754 double.
func (el *EventLoop) handleIdleMetricStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(protocolTimeout))

	var req [1]byte
	if _, err := io.ReadFull(s, req[:]); err != nil {
		_ = s.Reset()
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(QualityMetric()))
	if _, err := s.Write(buf[:]); err != nil {
		_ = s.Reset()
	}
}

func (el *EventLoop) requestIdleMetric(ctx context.Context, p peer.ID) (float64, error) {
	s, err := el.host.NewStream(ctx, p, idleMetricProtocolID)
	if err != nil {
		return 0, fmt.Errorf("open idle-metric stream to %s: %w", p, err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(protocolTimeout))

	if _, err := s.Write([]byte{0}); err != nil {
		return 0, fmt.Errorf("send idle-metric probe to %s: %w", p, err)
	}
	var buf [8]byte
	if _, err := io.ReadFull(s, buf[:]); err != nil {
		return 0, fmt.Errorf("idle-metric response from %s: %w", p, err)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), nil
}

// handleBlocksStream serves a catch-up request for a contiguous ordinal
// range out of the local chain.
func (el *EventLoop) handleBlocksStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(protocolTimeout))

	var req [16]byte
	if _, err := io.ReadFull(s, req[:]); err != nil {
		_ = s.Reset()
		return
	}
	from := Ordinal(binary.BigEndian.Uint64(req[:8]))
	to := Ordinal(binary.BigEndian.Uint64(req[8:]))

	if el.blocks == nil {
		_ = writeStatusFrame(s, nil, fmt.Errorf("blockchain unavailable"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), protocolTimeout)
	defer cancel()
	blocks, err := el.blocks.BlockRange(ctx, from, to)
	if err != nil {
		_ = writeStatusFrame(s, nil, err)
		return
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		_ = writeStatusFrame(s, nil, err)
		return
	}
	if err := writeStatusFrame(s, data, nil); err != nil {
		_ = s.Reset()
	}
}

func (el *EventLoop) requestBlocks(ctx context.Context, p peer.ID, from, to Ordinal) ([]*Block, error) {
	s, err := el.host.NewStream(ctx, p, blocksProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open blocks stream to %s: %w", p, err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(protocolTimeout))

	var req [16]byte
	binary.BigEndian.PutUint64(req[:8], uint64(from))
	binary.BigEndian.PutUint64(req[8:], uint64(to))
	if _, err := s.Write(req[:]); err != nil {
		return nil, fmt.Errorf("send blocks request to %s: %w", p, err)
	}
	data, err := readStatusFrame(s)
	if err != nil {
		return nil, fmt.Errorf("blocks response from %s: %w", p, err)
	}
	var blocks []*Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("decode blocks response from %s: %w", p, err)
	}
	return blocks, nil
}

func encodeBlockGossip(b *Block) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal block %d: %w", b.Header.Ordinal, err)
	}
	return data, nil
}

func decodeBlockGossip(data []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
