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
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

/***********************
 *     UDP helper      *
 ***********************/

// VoiceIPData is the externally visible address of the audio socket,
// discovered through the voice server.
type VoiceIPData struct {
	Address string
	Port    int
}

// VoiceUDPHelper owns the audio socket of one voice session. The session
// state machine drives it: discovery right after Ready, the secret key
// once the session description arrives.
type VoiceUDPHelper interface {
	// DiscoverIP performs IP discovery against the voice server and
	// returns the external address of the local socket.
	DiscoverIP(ctx context.Context) (VoiceIPData, error)
	// StartConnection installs the secret key and starts the send loop.
	StartConnection(secretKey [32]byte) error
	// Send queues one packet, dropping it when the queue is full.
	Send(packet []byte) bool
	// Close terminates the helper and its socket.
	Close() error
}

// VoiceUDPFactory builds the helper for a (address, port, ssrc) triple.
type VoiceUDPFactory func(address string, port int, ssrc uint32) (VoiceUDPHelper, error)

/***********************
 *   Default helper    *
 ***********************/

// voiceUDPConn is the default VoiceUDPHelper over a net.UDPConn.
//
// Outbound packets go through a bounded queue shaped by the voice config:
// the queue capacity is max-packets-before-drop, and the send loop paces
// itself with a token bucket of max-burst-amount refilled at
// send-request-amount packets per second.
type voiceUDPConn struct {
	conn    *net.UDPConn
	ssrc    uint32
	queue   chan []byte
	limiter *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	key      [32]byte
}

var _ VoiceUDPHelper = (*voiceUDPConn)(nil)

// NewVoiceUDPFactory returns the default helper factory with the given
// packet queue shape.
func NewVoiceUDPFactory(cfg VoiceConfig) VoiceUDPFactory {
	return func(address string, port int, ssrc uint32) (VoiceUDPHelper, error) {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", address, port))
		if err != nil {
			return nil, err
		}
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		return &voiceUDPConn{
			conn:    conn,
			ssrc:    ssrc,
			queue:   make(chan []byte, cfg.MaxPacketsBeforeDrop),
			limiter: rate.NewLimiter(rate.Limit(cfg.SendRequestAmount), cfg.MaxBurstAmount),
			ctx:     ctx,
			cancel:  cancel,
		}, nil
	}
}

// discoveryPacketLen is the fixed size of the IP discovery exchange:
// 2 bytes type, 2 bytes length, 4 bytes ssrc, 64 bytes address, 2 bytes
// port.
const discoveryPacketLen = 74

// DiscoverIP sends the discovery packet and parses the echoed external
// address.
func (u *voiceUDPConn) DiscoverIP(ctx context.Context) (VoiceIPData, error) {
	packet := make([]byte, discoveryPacketLen)
	binary.BigEndian.PutUint16(packet[0:2], 1)
	binary.BigEndian.PutUint16(packet[2:4], 70)
	binary.BigEndian.PutUint32(packet[4:8], u.ssrc)

	if deadline, ok := ctx.Deadline(); ok {
		u.conn.SetDeadline(deadline)
		defer u.conn.SetDeadline(time.Time{})
	}

	if _, err := u.conn.Write(packet); err != nil {
		return VoiceIPData{}, err
	}

	reply := make([]byte, discoveryPacketLen)
	n, err := u.conn.Read(reply)
	if err != nil {
		return VoiceIPData{}, err
	}
	if n < discoveryPacketLen {
		return VoiceIPData{}, errors.New("short ip discovery reply")
	}

	address := strings.TrimRight(string(reply[8:72]), "\x00")
	port := int(binary.BigEndian.Uint16(reply[72:74]))
	if address == "" || port == 0 {
		return VoiceIPData{}, errors.New("empty ip discovery reply")
	}

	return VoiceIPData{Address: address, Port: port}, nil
}

// StartConnection installs the secret key and starts draining the packet
// queue.
func (u *voiceUDPConn) StartConnection(secretKey [32]byte) error {
	u.key = secretKey
	u.startOnce.Do(func() { go u.sendLoop() })
	return nil
}

// Send queues one packet for transmission. It reports false when the
// queue is full and the packet was dropped.
func (u *voiceUDPConn) Send(packet []byte) bool {
	select {
	case u.queue <- packet:
		return true
	default:
		return false
	}
}

func (u *voiceUDPConn) sendLoop() {
	for {
		select {
		case packet := <-u.queue:
			if err := u.limiter.Wait(u.ctx); err != nil {
				return
			}
			if _, err := u.conn.Write(packet); err != nil {
				return
			}
		case <-u.ctx.Done():
			return
		}
	}
}

// Close terminates the helper.
func (u *voiceUDPConn) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.cancel()
		err = u.conn.Close()
	})
	return err
}
