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
	"encoding/json"

	"github.com/bytedance/sonic"
)

/***********************
 *    Voice gateway    *
 ***********************/

const (
	voiceGatewayVersion = "4"

	// voiceEncryptionMode is the only encryption mode this library
	// selects during the protocol handshake.
	voiceEncryptionMode = "xsalsa20_poly1305"
)

type voiceOpcode int

const (
	voiceOpcodeIdentify           voiceOpcode = 0
	voiceOpcodeSelectProtocol     voiceOpcode = 1
	voiceOpcodeReady              voiceOpcode = 2
	voiceOpcodeHeartbeat          voiceOpcode = 3
	voiceOpcodeSessionDescription voiceOpcode = 4
	voiceOpcodeSpeaking           voiceOpcode = 5
	voiceOpcodeHeartbeatACK       voiceOpcode = 6
	voiceOpcodeHello              voiceOpcode = 8
	voiceOpcodeVideo              voiceOpcode = 12
	voiceOpcodeClientDisconnect   voiceOpcode = 13
)

// voicePayload is the envelope of every voice gateway frame.
type voicePayload struct {
	Op voiceOpcode     `json:"op"`
	D  json.RawMessage `json:"d"`
}

func (p *voicePayload) fillFromJson(data []byte) error {
	return sonic.Unmarshal(data, p)
}

func marshalVoicePayload(op voiceOpcode, d any) ([]byte, error) {
	data, err := sonic.Marshal(d)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(voicePayload{Op: op, D: data})
}

// voiceIdentify authenticates the session with the voice endpoint.
type voiceIdentify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// voiceHello carries the heartbeat interval in milliseconds.
type voiceHello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// voiceReady announces the UDP endpoint and the session SSRC.
type voiceReady struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// voiceSelectProtocolData is the discovered external address sent back
// during protocol selection.
type voiceSelectProtocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type voiceSelectProtocol struct {
	Protocol string                  `json:"protocol"`
	Data     voiceSelectProtocolData `json:"data"`
}

// voiceSessionDescription delivers the secret key for the audio stream.
// The key arrives as a JSON array of bytes, hence the fixed-size array.
type voiceSessionDescription struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// voiceSpeaking toggles the speaking flag for this session's SSRC.
type voiceSpeaking struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

func voiceGatewayURL(address string) string {
	return "wss://" + address + "?v=" + voiceGatewayVersion
}
