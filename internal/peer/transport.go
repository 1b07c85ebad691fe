package peer

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/comit-network/rfc003/pkg/logging"
)

// ProtocolSwap carries the REQUEST/RESPONSE exchange for a SwapRequest.
// ProtocolSecretHash carries the one-shot secret-hash subprotocol message.
const (
	ProtocolSwap       protocol.ID = "/comit/swap/rfc003/1.0.0"
	ProtocolSecretHash protocol.ID = "/comit/swap/secret_hash/1.0.0"
)

const (
	maxMessageSize  = 1024 * 1024
	requestTimeout  = 30 * time.Second
	responseTimeout = 30 * time.Second
)

// RequestHandler decides how to answer an inbound SwapRequest.
type RequestHandler func(ctx context.Context, from peer.ID, req rfc003.SwapRequest) (rfc003.SwapResponse, error)

// SecretHashHandler reacts to an inbound secret-hash subprotocol message.
// It has no return value: the subprotocol is one-shot and never acked.
type SecretHashHandler func(ctx context.Context, from peer.ID, swapId rfc003.SwapId, hash rfc003.SecretHash)

// hostProvider is the slice of *node.Node that Server needs; declared as an
// interface so this package does not import internal/node and its much
// larger libp2p bootstrapping surface.
type hostProvider interface {
	Host() host.Host
}

// Server answers inbound swap-protocol streams on top of an already
// running libp2p host, the same host internal/node.Node bootstraps.
type Server struct {
	node hostProvider
	log  *logging.Logger

	mu                sync.Mutex
	requestHandler    RequestHandler
	secretHashHandler SecretHashHandler

	seenMu sync.Mutex
	seen   map[string]struct{} // swap ids already answered, for at-least-once delivery
}

// NewServer builds a Server over an already-constructed libp2p host.
func NewServer(n hostProvider) *Server {
	return &Server{
		node: n,
		log:  logging.GetDefault().Component("peer-protocol"),
		seen: make(map[string]struct{}),
	}
}

// OnSwapRequest registers the handler invoked for each inbound REQUEST.
func (s *Server) OnSwapRequest(h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestHandler = h
}

// OnSecretHash registers the handler invoked for each inbound secret-hash
// message.
func (s *Server) OnSecretHash(h SecretHashHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secretHashHandler = h
}

// Start registers both protocol handlers with the libp2p host.
func (s *Server) Start() {
	s.node.Host().SetStreamHandler(ProtocolSwap, s.handleSwapStream)
	s.node.Host().SetStreamHandler(ProtocolSecretHash, s.handleSecretHashStream)
	s.log.Info("swap protocol handlers started", "swap_protocol", ProtocolSwap, "secret_hash_protocol", ProtocolSecretHash)
}

// Stop deregisters both protocol handlers.
func (s *Server) Stop() {
	s.node.Host().RemoveStreamHandler(ProtocolSwap)
	s.node.Host().RemoveStreamHandler(ProtocolSecretHash)
}

func (s *Server) handleSwapStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()

	stream.SetReadDeadline(time.Now().Add(requestTimeout))
	raw, err := readLengthPrefixed(bufio.NewReader(stream))
	if err != nil {
		s.log.Warn("failed to read swap request", "peer", remote, "error", err)
		return
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.log.Warn("malformed frame", "peer", remote, "error", err)
		s.writeErrorFrame(stream, err)
		return
	}
	req, err := DecodeRequest(&frame)
	if err != nil {
		s.log.Warn("malformed swap request", "peer", remote, "error", err)
		s.writeErrorFrame(stream, err)
		return
	}

	// At-least-once delivery: re-answering a previously seen swap id is
	// harmless for the caller (the state machine's transitions are
	// idempotent) but we skip re-invoking the handler's side effects.
	s.seenMu.Lock()
	_, duplicate := s.seen[req.SwapId.String()]
	s.seen[req.SwapId.String()] = struct{}{}
	s.seenMu.Unlock()

	s.mu.Lock()
	handler := s.requestHandler
	s.mu.Unlock()
	if handler == nil {
		s.writeErrorFrame(stream, fmt.Errorf("no swap request handler registered"))
		return
	}

	var resp rfc003.SwapResponse
	if duplicate {
		resp = rfc003.Decline(rfc003.DeclineReasonUnacceptableTerms)
	} else {
		resp, err = handler(context.Background(), remote, req)
		if err != nil {
			s.log.Warn("swap request handler failed", "swap_id", req.SwapId, "error", err)
			s.writeErrorFrame(stream, err)
			return
		}
	}

	respFrame, err := EncodeResponse(resp)
	if err != nil {
		s.log.Warn("failed to encode swap response", "swap_id", req.SwapId, "error", err)
		s.writeErrorFrame(stream, err)
		return
	}
	respBytes, err := json.Marshal(respFrame)
	if err != nil {
		s.log.Warn("failed to marshal swap response frame", "error", err)
		return
	}
	stream.SetWriteDeadline(time.Now().Add(responseTimeout))
	if err := writeLengthPrefixed(stream, respBytes); err != nil {
		s.log.Warn("failed to write swap response", "swap_id", req.SwapId, "error", err)
	}
}

func (s *Server) writeErrorFrame(stream network.Stream, cause error) {
	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	frame := Frame{Type: FrameError, Payload: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	stream.SetWriteDeadline(time.Now().Add(responseTimeout))
	_ = writeLengthPrefixed(stream, data)
}

func (s *Server) handleSecretHashStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()

	stream.SetReadDeadline(time.Now().Add(requestTimeout))
	raw, err := readLengthPrefixed(bufio.NewReader(stream))
	if err != nil {
		s.log.Warn("failed to read secret hash message", "peer", remote, "error", err)
		return
	}
	swapId, hash, err := DecodeSecretHash(raw)
	if err != nil {
		s.log.Warn("malformed secret hash message", "peer", remote, "error", err)
		return
	}

	s.mu.Lock()
	handler := s.secretHashHandler
	s.mu.Unlock()
	if handler != nil {
		handler(context.Background(), remote, swapId, hash)
	}
	// One-shot: no response frame, matching the subprotocol's fire-and-forget
	// contract.
}

// Client sends outbound swap-protocol messages over streams it opens
// itself; it holds no state besides the host it dials through.
type Client struct {
	node hostProvider
}

// NewClient builds a Client over an already-constructed libp2p host.
func NewClient(n hostProvider) *Client {
	return &Client{node: n}
}

// SendSwapRequest opens a REQUEST/RESPONSE round trip and returns the
// peer's parsed SwapResponse.
func (c *Client) SendSwapRequest(ctx context.Context, to peer.ID, req rfc003.SwapRequest) (rfc003.SwapResponse, error) {
	frame, err := EncodeRequest(req)
	if err != nil {
		return rfc003.SwapResponse{}, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return rfc003.SwapResponse{}, fmt.Errorf("peer: marshal request frame: %w", err)
	}

	stream, err := c.node.Host().NewStream(ctx, to, ProtocolSwap)
	if err != nil {
		return rfc003.SwapResponse{}, fmt.Errorf("%w: open stream: %v", rfc003.ErrLedgerUnavailable, err)
	}
	defer stream.Close()

	stream.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := writeLengthPrefixed(stream, data); err != nil {
		return rfc003.SwapResponse{}, fmt.Errorf("peer: send request: %w", err)
	}

	stream.SetReadDeadline(time.Now().Add(responseTimeout))
	raw, err := readLengthPrefixed(bufio.NewReader(stream))
	if err != nil {
		return rfc003.SwapResponse{}, fmt.Errorf("peer: read response: %w", err)
	}
	var respFrame Frame
	if err := json.Unmarshal(raw, &respFrame); err != nil {
		return rfc003.SwapResponse{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
	}
	return DecodeResponse(&respFrame)
}

// SendSecretHash sends the one-shot secret-hash message and returns as
// soon as it is written; the subprotocol expects no reply.
func (c *Client) SendSecretHash(ctx context.Context, to peer.ID, swapId rfc003.SwapId, hash rfc003.SecretHash) error {
	data, err := EncodeSecretHash(swapId, hash)
	if err != nil {
		return err
	}
	stream, err := c.node.Host().NewStream(ctx, to, ProtocolSecretHash)
	if err != nil {
		return fmt.Errorf("%w: open stream: %v", rfc003.ErrLedgerUnavailable, err)
	}
	defer stream.Close()

	stream.SetWriteDeadline(time.Now().Add(requestTimeout))
	return writeLengthPrefixed(stream, data)
}

// readLengthPrefixed and writeLengthPrefixed frame each message as a
// 4-byte big-endian length prefix followed by the JSON body.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	_, err := w.Write(data)
	return err
}
