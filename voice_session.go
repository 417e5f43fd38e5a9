/************************************************************************************
 *
 * zerda, A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package zerda

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/marouanesouiri/stdx/xlog"
	"golang.org/x/time/rate"
)

/***********************
 *    Voice session    *
 ***********************/

var (
	// ErrHeartbeatMissed is raised when a heartbeat tick fires before the
	// previous heartbeat was acknowledged.
	ErrHeartbeatMissed = errors.New("voice heartbeat not acknowledged before next tick")
	// ErrNonceMismatch is raised when an acknowledgement carries a nonce
	// that is not the one of the last heartbeat sent.
	ErrNonceMismatch = errors.New("voice heartbeat ack nonce mismatch")
)

// voiceSessionState is the handshake progress of an active session. It
// only ever moves forward while the connection lives.
type voiceSessionState int

const (
	voiceStateInactive voiceSessionState = iota
	voiceStateWithQueue
	voiceStateWithHeartbeat
	voiceStateWithUdp
)

// voiceResumeData is what a session needs to re-identify after a
// reconnect.
type voiceResumeData struct {
	serverID  string
	sessionID string
	token     string
}

// VoiceSessionConfig describes one voice connection.
type VoiceSessionConfig struct {
	ServerID  string
	UserID    string
	SessionID string
	Token     string
	// Endpoint is the voice gateway address ("host:port" or host).
	Endpoint string

	// UDPFactory builds the audio socket helper. Defaults to the library
	// helper shaped by the client's voice config.
	UDPFactory VoiceUDPFactory

	// Dial overrides the WebSocket dialer. Intended for tests.
	Dial func(ctx context.Context, url string) (net.Conn, error)
}

// VoiceSession negotiates and maintains one voice gateway connection.
//
// It is a mailbox-serialized state machine: commands, inbound frames,
// heartbeat ticks and UDP discovery results are all handled one at a
// time by Run. Protocol violations and transport errors are terminal;
// VoiceManager wraps Run to restart with carried-forward resume data.
type VoiceSession struct {
	cfg    VoiceSessionConfig
	conf   Config
	logger xlog.Logger

	mailbox chan voiceSessionEvent
	done    chan struct{}

	// All fields below are owned by the Run goroutine.
	state         voiceSessionState
	gen           int
	conn          net.Conn
	outQueue      chan []byte
	writerDone    chan struct{}
	tickerStop    chan struct{}
	receivedAck   bool
	previousNonce int64
	hasNonce      bool
	ssrc          uint32
	udp           VoiceUDPHelper
	ipData        *VoiceIPData
	resume        voiceResumeData
	stopped       bool
}

type voiceSessionEvent interface{ voiceEvent() }

type (
	cmdLogin    struct{}
	cmdLogout   struct{}
	cmdRestart  struct {
		fresh bool
		wait  time.Duration
	}
	cmdSpeaking struct{ speaking bool }

	evPayload struct {
		gen     int
		payload voicePayload
	}
	evTransportError struct {
		gen int
		err error
	}
	evTick struct{ gen int }
	evFoundIP struct {
		gen int
		ip  VoiceIPData
		err error
	}
)

func (cmdLogin) voiceEvent()         {}
func (cmdLogout) voiceEvent()        {}
func (cmdRestart) voiceEvent()       {}
func (cmdSpeaking) voiceEvent()      {}
func (evPayload) voiceEvent()        {}
func (evTransportError) voiceEvent() {}
func (evTick) voiceEvent()           {}
func (evFoundIP) voiceEvent()        {}

// NewVoiceSession creates a session in the Inactive state. Call Login to
// start the handshake and Run to drive the mailbox.
func NewVoiceSession(cfg VoiceSessionConfig, conf Config, logger xlog.Logger) *VoiceSession {
	if cfg.UDPFactory == nil {
		cfg.UDPFactory = NewVoiceUDPFactory(conf.Voice)
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string) (net.Conn, error) {
			dialer := ws.Dialer{}
			conn, _, _, err := dialer.Dial(ctx, url)
			return conn, err
		}
	}
	return &VoiceSession{
		cfg:     cfg,
		conf:    conf,
		logger:  logger.WithField("voice_server", cfg.ServerID),
		mailbox: make(chan voiceSessionEvent, 64),
		done:    make(chan struct{}),
		resume: voiceResumeData{
			serverID:  cfg.ServerID,
			sessionID: cfg.SessionID,
			token:     cfg.Token,
		},
	}
}

// Login asks the session to open its WebSocket and identify.
func (s *VoiceSession) Login() { s.post(cmdLogin{}) }

// Logout completes the outbound queue, terminates the UDP helper and
// stops the session. Run returns nil afterwards.
func (s *VoiceSession) Logout() { s.post(cmdLogout{}) }

// Restart tears the connection down and schedules a new Login after
// wait. With fresh true the resume data is discarded.
func (s *VoiceSession) Restart(fresh bool, wait time.Duration) {
	s.post(cmdRestart{fresh: fresh, wait: wait})
}

// SetSpeaking toggles the speaking flag once the session holds a UDP
// connection.
func (s *VoiceSession) SetSpeaking(speaking bool) { s.post(cmdSpeaking{speaking: speaking}) }

func (s *VoiceSession) post(ev voiceSessionEvent) {
	select {
	case s.mailbox <- ev:
	case <-s.done:
	}
}

// Run drives the mailbox until Logout, a fatal protocol violation or a
// transport error. Exactly one event is handled at a time.
func (s *VoiceSession) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.teardown(false)

	for {
		select {
		case ev := <-s.mailbox:
			if err := s.handle(ctx, ev); err != nil {
				s.logger.WithField("error", err).Error("voice session fatal error")
				return err
			}
			if s.stopped {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

/***********************
 *   Event handling    *
 ***********************/

func (s *VoiceSession) handle(ctx context.Context, ev voiceSessionEvent) error {
	switch e := ev.(type) {
	case cmdLogin:
		return s.login(ctx)

	case cmdLogout:
		s.teardown(true)
		s.stopped = true
		return nil

	case cmdRestart:
		s.teardown(true)
		if e.fresh {
			s.resume = voiceResumeData{
				serverID:  s.cfg.ServerID,
				sessionID: s.cfg.SessionID,
				token:     s.cfg.Token,
			}
		}
		time.AfterFunc(e.wait, func() { s.post(cmdLogin{}) })
		return nil

	case cmdSpeaking:
		if s.state != voiceStateWithUdp {
			return nil
		}
		flag := 0
		if e.speaking {
			flag = 1
		}
		return s.send(voiceOpcodeSpeaking, voiceSpeaking{Speaking: flag, SSRC: s.ssrc})

	case evPayload:
		if e.gen != s.gen {
			return nil
		}
		return s.handlePayload(ctx, e.payload)

	case evTransportError:
		if e.gen != s.gen {
			return nil
		}
		return e.err

	case evTick:
		if e.gen != s.gen {
			return nil
		}
		return s.heartbeat()

	case evFoundIP:
		if e.gen != s.gen {
			return nil
		}
		if e.err != nil {
			return e.err
		}
		if s.state != voiceStateWithUdp {
			return nil
		}
		ip := e.ip
		s.ipData = &ip
		return s.send(voiceOpcodeSelectProtocol, voiceSelectProtocol{
			Protocol: "udp",
			Data: voiceSelectProtocolData{
				Address: ip.Address,
				Port:    ip.Port,
				Mode:    voiceEncryptionMode,
			},
		})
	}
	return nil
}

func (s *VoiceSession) handlePayload(ctx context.Context, p voicePayload) error {
	if s.conf.LogReceivedWs {
		s.logger.WithFields(map[string]any{
			"op":      int(p.Op),
			"payload": string(p.D),
		}).Debug("voice payload received")
	}

	switch p.Op {
	case voiceOpcodeHello:
		if s.state != voiceStateWithQueue {
			return nil
		}
		var hello voiceHello
		if err := sonic.Unmarshal(p.D, &hello); err != nil {
			return err
		}
		interval := time.Duration(hello.HeartbeatInterval*0.75) * time.Millisecond
		if interval <= 0 {
			return errors.New("voice hello carried a non-positive heartbeat interval")
		}
		s.startHeartbeat(interval)
		s.receivedAck = true
		s.state = voiceStateWithHeartbeat
		s.logger.WithField("heartbeat_interval", interval.String()).Debug("HELLO received")
		return nil

	case voiceOpcodeReady:
		if s.state != voiceStateWithHeartbeat {
			return nil
		}
		var ready voiceReady
		if err := sonic.Unmarshal(p.D, &ready); err != nil {
			return err
		}
		address := ready.IP
		if address == "" {
			address, _, _ = net.SplitHostPort(s.cfg.Endpoint)
			if address == "" {
				address = s.cfg.Endpoint
			}
		}
		udp, err := s.cfg.UDPFactory(address, ready.Port, ready.SSRC)
		if err != nil {
			return err
		}
		s.ssrc = ready.SSRC
		s.udp = udp
		s.ipData = nil
		s.state = voiceStateWithUdp

		gen := s.gen
		go func() {
			dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			ip, err := udp.DiscoverIP(dctx)
			s.post(evFoundIP{gen: gen, ip: ip, err: err})
		}()
		s.logger.WithField("ssrc", ready.SSRC).Debug("READY received, discovering ip")
		return nil

	case voiceOpcodeHeartbeatACK:
		var nonce int64
		if err := sonic.Unmarshal(p.D, &nonce); err != nil {
			return err
		}
		if !s.hasNonce || nonce != s.previousNonce {
			return ErrNonceMismatch
		}
		s.receivedAck = true
		return nil

	case voiceOpcodeSessionDescription:
		if s.state != voiceStateWithUdp {
			return nil
		}
		var desc voiceSessionDescription
		if err := sonic.Unmarshal(p.D, &desc); err != nil {
			return err
		}
		s.logger.Debug("session description received, starting udp connection")
		return s.udp.StartConnection(desc.SecretKey)

	case voiceOpcodeSpeaking, voiceOpcodeVideo, voiceOpcodeClientDisconnect:
		// Opcode 12 and client disconnects are deliberately ignored.
		return nil

	default:
		s.logger.WithField("op", int(p.Op)).Debug("unhandled voice opcode")
		return nil
	}
}

// heartbeat runs on each timer tick while the session holds a heartbeat.
func (s *VoiceSession) heartbeat() error {
	if s.state != voiceStateWithHeartbeat && s.state != voiceStateWithUdp {
		return nil
	}
	if !s.receivedAck {
		return ErrHeartbeatMissed
	}
	nonce := time.Now().UnixMilli()
	if err := s.send(voiceOpcodeHeartbeat, nonce); err != nil {
		return err
	}
	s.receivedAck = false
	s.previousNonce = nonce
	s.hasNonce = true
	return nil
}

/***********************
 *     Connection      *
 ***********************/

func (s *VoiceSession) login(ctx context.Context) error {
	if s.state != voiceStateInactive {
		return nil
	}

	conn, err := s.cfg.Dial(ctx, voiceGatewayURL(s.cfg.Endpoint))
	if err != nil {
		return err
	}

	s.gen++
	s.conn = conn
	s.outQueue = make(chan []byte, 16)
	s.writerDone = make(chan struct{})
	s.receivedAck = false
	s.hasNonce = false
	s.state = voiceStateWithQueue

	gen := s.gen
	go s.writeLoop(gen, conn, s.outQueue, s.writerDone)
	go s.readLoop(gen, conn)

	s.logger.Info("voice gateway connected")

	return s.send(voiceOpcodeIdentify, voiceIdentify{
		ServerID:  s.resume.serverID,
		UserID:    s.cfg.UserID,
		SessionID: s.resume.sessionID,
		Token:     s.resume.token,
	})
}

// send marshals the payload and enqueues it on the outbound queue.
func (s *VoiceSession) send(op voiceOpcode, d any) error {
	if s.outQueue == nil {
		return nil
	}
	payload, err := marshalVoicePayload(op, d)
	if err != nil {
		return err
	}
	if s.conf.LogSentWs {
		s.logger.WithFields(map[string]any{
			"op":      int(op),
			"payload": string(payload),
		}).Debug("voice payload sent")
	}
	select {
	case s.outQueue <- payload:
	case <-s.done:
	}
	return nil
}

// writeLoop drains the outbound queue onto the socket, paced so bursts of
// control payloads cannot flood the gateway. It exits once the queue is
// closed and drained.
func (s *VoiceSession) writeLoop(gen int, conn net.Conn, queue <-chan []byte, done chan<- struct{}) {
	defer close(done)

	limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 10)
	for payload := range queue {
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}
		if err := wsutil.WriteClientMessage(conn, ws.OpText, payload); err != nil {
			s.post(evTransportError{gen: gen, err: err})
			return
		}
	}
}

// readLoop forwards inbound frames to the mailbox until the socket dies.
func (s *VoiceSession) readLoop(gen int, conn net.Conn) {
	for {
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			s.post(evTransportError{gen: gen, err: err})
			return
		}
		switch op {
		case ws.OpText:
			var payload voicePayload
			if err := payload.fillFromJson(msg); err != nil {
				s.logger.WithField("error", err).Error("voice payload unmarshal error")
				continue
			}
			s.post(evPayload{gen: gen, payload: payload})
		case ws.OpClose:
			s.post(evTransportError{gen: gen, err: errors.New("voice gateway closed connection")})
			return
		}
	}
}

func (s *VoiceSession) startHeartbeat(interval time.Duration) {
	s.stopHeartbeat()
	stop := make(chan struct{})
	s.tickerStop = stop

	gen := s.gen
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.post(evTick{gen: gen})
			case <-stop:
				return
			}
		}
	}()
}

func (s *VoiceSession) stopHeartbeat() {
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}

// teardown releases the connection-scoped resources. With drainQueue the
// outbound queue is completed and flushed before the socket closes.
func (s *VoiceSession) teardown(drainQueue bool) {
	s.gen++
	s.stopHeartbeat()

	if s.outQueue != nil {
		close(s.outQueue)
		if drainQueue {
			select {
			case <-s.writerDone:
			case <-time.After(5 * time.Second):
			}
		}
		s.outQueue = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.udp != nil {
		s.udp.Close()
		s.udp = nil
	}
	s.ipData = nil
	s.state = voiceStateInactive
}

/***********************
 *    VoiceManager     *
 ***********************/

// VoiceManager supervises a voice session: it logs the session in, runs
// it, and when the session dies of a fatal error it creates a fresh one
// carrying the previous resume data and logs in again after a delay.
type VoiceManager struct {
	cfg          VoiceSessionConfig
	conf         Config
	logger       xlog.Logger
	restartDelay time.Duration

	session *VoiceSession
}

// NewVoiceManager creates a supervisor for the given session config.
func NewVoiceManager(cfg VoiceSessionConfig, conf Config, logger xlog.Logger) *VoiceManager {
	return &VoiceManager{
		cfg:          cfg,
		conf:         conf,
		logger:       logger,
		restartDelay: 5 * time.Second,
	}
}

// Session is the currently supervised session, nil before Run.
func (m *VoiceManager) Session() *VoiceSession { return m.session }

// Run keeps a session alive until ctx is cancelled or the session logs
// out cleanly.
func (m *VoiceManager) Run(ctx context.Context) error {
	resume := voiceResumeData{
		serverID:  m.cfg.ServerID,
		sessionID: m.cfg.SessionID,
		token:     m.cfg.Token,
	}

	for {
		session := NewVoiceSession(m.cfg, m.conf, m.logger)
		session.resume = resume
		m.session = session
		session.Login()

		err := session.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}

		resume = session.resume
		m.logger.WithFields(map[string]any{
			"error":         err,
			"restart_delay": m.restartDelay.String(),
		}).Error("voice session died, restarting")

		select {
		case <-time.After(m.restartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
