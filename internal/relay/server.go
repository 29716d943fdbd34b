// ABOUTME: Development relay speaking the swapchat wire protocol over websockets
// ABOUTME: Authenticates by token, answers pings and forwards message/block frames to the right users

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/swapchat/internal/auth"
	"github.com/2389/swapchat/internal/metrics"
	"github.com/2389/swapchat/internal/wire"
)

const writeTimeout = 5 * time.Second

// Default per-connection inbound limits.
const (
	DefaultFrameRate  = 20
	DefaultFrameBurst = 40
)

// ErrForbidden is returned for frames a user may not send.
var ErrForbidden = errors.New("frame not allowed for this user")

// Options configures a Server.
type Options struct {
	Identity auth.IdentityResolver
	Logger   *slog.Logger
	// RespondToPings can be turned off to simulate a half-open server.
	RespondToPings *bool
	// FrameRate and FrameBurst limit inbound frames per connection.
	// Frames over the limit are dropped.
	FrameRate  float64
	FrameBurst int
}

// Server is an http.Handler serving the relay websocket endpoint.
type Server struct {
	hub     *hub
	handler http.Handler
	logger  *slog.Logger
	pings   bool
	rate    rate.Limit
	burst   int
}

// New creates a relay.
func New(opts Options) (*Server, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("relay: identity resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:    newHub(),
		logger: logger.With("component", "relay"),
		pings:  opts.RespondToPings == nil || *opts.RespondToPings,
		rate:   rate.Limit(opts.FrameRate),
		burst:  opts.FrameBurst,
	}
	if s.rate <= 0 {
		s.rate = DefaultFrameRate
	}
	if s.burst <= 0 {
		s.burst = DefaultFrameBurst
	}
	s.handler = auth.Middleware(opts.Identity)(http.HandlerFunc(s.serveWS))
	return s, nil
}

// ServeHTTP upgrades authenticated requests to websocket connections.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Online lists users with a live connection.
func (s *Server) Online() []string {
	return s.hub.online()
}

// Connections reports how many live connections userID has.
func (s *Server) Connections(userID string) int {
	return len(s.hub.peers(userID))
}

// Deliver pushes a frame to every connection of userID, as if routed from
// another user. It returns how many connections accepted it.
func (s *Server) Deliver(userID, frameType string, payload any) (int, error) {
	data, err := wire.Encode(frameType, payload)
	if err != nil {
		return 0, err
	}
	return s.hub.deliver(userID, data), nil
}

// Kick drops every connection of userID.
func (s *Server) Kick(userID string) {
	for _, p := range s.hub.peers(userID) {
		p.close()
	}
}

// Close drops all connections.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "user_id", userID, "error", err)
		return
	}

	p := newPeer(userID, rate.NewLimiter(s.rate, s.burst))
	s.hub.add(p)
	metrics.RelayConnections.Inc()
	logger := s.logger.With("user_id", userID, "peer_id", p.id)
	logger.Info("peer connected")

	defer func() {
		s.hub.remove(p)
		p.close()
		metrics.RelayConnections.Dec()
		logger.Info("peer disconnected")
	}()

	go s.writeLoop(conn, p)

	// The read loop ends when the client goes away or the peer is closed.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-p.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				logger.Debug("read failed", "error", err)
			}
			conn.CloseNow()
			return
		}
		if !p.limiter.Allow() {
			metrics.RelayFramesThrottled.Inc()
			logger.Debug("frame over rate limit")
			continue
		}
		if err := s.handleFrame(p, data); err != nil {
			logger.Warn("dropping frame", "error", err)
		}
	}
}

// writeLoop drains the peer queue onto the socket.
func (s *Server) writeLoop(conn *websocket.Conn, p *peer) {
	for frame := range p.outbound {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			p.close()
			conn.CloseNow()
			return
		}
	}
	conn.Close(websocket.StatusGoingAway, "relay closing connection")
}

func (s *Server) handleFrame(p *peer, data []byte) error {
	frame, err := wire.Decode(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		return err
	}

	switch frame.Type {
	case wire.TypePing:
		if s.pings {
			p.send(wire.Pong(frame.HeartbeatTS()))
		}
		return nil
	case wire.TypePong:
		return nil
	case wire.TypeMessage:
		return s.routeMessage(p, frame, data)
	case wire.TypeBlock, wire.TypeUnblock:
		return s.routeEdge(p, frame, data)
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// routeMessage forwards a message to both participants. The sender's own
// connections get it too; that copy is their delivery acknowledgement.
func (s *Server) routeMessage(p *peer, frame wire.Frame, data []byte) error {
	var payload wire.MessagePayload
	if err := frame.DecodePayload(&payload); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	if payload.Message.Sender != p.userID {
		return fmt.Errorf("%w: %s sent a message as %s", ErrForbidden, p.userID, payload.Message.Sender)
	}

	for _, user := range payload.Participants {
		s.hub.deliver(user, data)
	}
	metrics.RelayFramesRouted.WithLabelValues(wire.TypeMessage).Inc()
	return nil
}

// routeEdge forwards a block or unblock to the target and to the owner's
// other connections.
func (s *Server) routeEdge(p *peer, frame wire.Frame, data []byte) error {
	var payload wire.BlockPayload
	if err := frame.DecodePayload(&payload); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	if payload.Owner != p.userID {
		return fmt.Errorf("%w: %s sent an edge owned by %s", ErrForbidden, p.userID, payload.Owner)
	}

	s.hub.deliver(payload.Target, data)
	for _, other := range s.hub.peers(p.userID) {
		if other.id != p.id {
			other.send(data)
		}
	}
	metrics.RelayFramesRouted.WithLabelValues(frame.Type).Inc()
	return nil
}
