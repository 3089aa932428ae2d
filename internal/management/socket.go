package management

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/media"
	"firestige.xyz/strix/internal/metrics"
)

// Datagram types of the management protocol.
const (
	msgRegister   = "register"
	msgSdpSession = "sdp_session"
)

// envelope is the outer shape of every management datagram.
type envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// registerPayload is the body of a register datagram.
type registerPayload struct {
	Timestamp int64  `mapstructure:"timestamp"`
	Name      string `mapstructure:"name"`
	Config    struct {
		Host map[string]any `mapstructure:"host"`
		RTP  struct {
			Enabled bool `mapstructure:"enabled"`
		} `mapstructure:"rtp"`
	} `mapstructure:"config"`
}

// Server is the management socket. One goroutine reads datagrams, a second
// drains sdp_info and pushes sessions out; the UDP socket itself is safe for
// concurrent writes.
type Server struct {
	cfg      config.ManagementConfig
	bus      *bus.Bus
	registry *Registry
	logger   log.Logger

	conn    *net.UDPConn
	sdpSub  *bus.Subscription
	stopped chan struct{}
}

// NewServer creates the server around an existing registry.
func NewServer(cfg config.ManagementConfig, b *bus.Bus, registry *Registry) *Server {
	return &Server{
		cfg:      cfg,
		bus:      b,
		registry: registry,
		logger:   log.GetLogger().WithField("component", "management"),
		stopped:  make(chan struct{}),
	}
}

// Start binds the socket and begins both loops.
func (s *Server) Start() error {
	hostPort, err := s.cfg.UDPAddr()
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return fmt.Errorf("resolve %s failed: %w", hostPort, err)
	}
	s.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", hostPort, err)
	}

	s.sdpSub = s.bus.Subscribe(media.TopicSdpInfo)
	go s.readLoop()
	go s.sdpLoop()
	s.logger.Infof("management socket listening on %s", s.conn.LocalAddr())
	return nil
}

// Stop closes the socket and detaches from the bus.
func (s *Server) Stop() {
	s.sdpSub.Unsubscribe()
	if s.conn != nil {
		s.conn.Close()
	}
	<-s.stopped
}

// LocalAddr returns the bound address, handy when the port was 0.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) readLoop() {
	defer close(s.stopped)

	buf := make([]byte, 65535)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket means shutdown.
			return
		}
		s.handle(buf[:n], remote)
	}
}

func (s *Server) handle(data []byte, remote *net.UDPAddr) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.WithError(err).Debugf("undecodable datagram from %s, dropped", remote)
		return
	}
	metrics.ManagementMessages.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case msgRegister:
		var payload registerPayload
		if err := mapstructure.Decode(env.Payload, &payload); err != nil {
			s.logger.WithError(err).Warnf("malformed register payload from %s, dropped", remote)
			return
		}
		if payload.Name == "" {
			s.logger.Warnf("register without agent name from %s, dropped", remote)
			return
		}
		s.registry.Register(payload.Name, payload.Config.RTP.Enabled, payload.Config.Host, remote)
	default:
		s.logger.Warnf("unhandled message type %q from %s, dropped", env.Type, remote)
	}
}

// sdpLoop pushes every announced SDP session to each RTP-processing agent.
// Send failures are logged and not retried, the next report re-announces the
// session.
func (s *Server) sdpLoop() {
	for {
		select {
		case msg := <-s.sdpSub.C():
			sessions, ok := msg.Payload.([]*core.SdpSession)
			if !ok || !s.registry.SendSdpEnabled() {
				continue
			}
			s.push(sessions)
		case <-s.sdpSub.Done():
			return
		}
	}
}

func (s *Server) push(sessions []*core.SdpSession) {
	agents := s.registry.RTPAgents()
	for _, session := range sessions {
		data, err := json.Marshal(envelope{Type: msgSdpSession, Payload: session})
		if err != nil {
			s.logger.WithError(err).Error("sdp session marshal failed")
			continue
		}
		for _, agent := range agents {
			if _, err := s.conn.WriteToUDP(data, agent.Addr); err != nil {
				s.logger.WithError(err).Errorf("sdp push to %s (%s) failed", agent.Name, agent.Addr)
			}
		}
	}
}
