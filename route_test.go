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

import "testing"

func TestNewRoute_MasksIds(t *testing.T) {
	tests := []struct {
		method   string
		endpoint string
		want     string
	}{
		{"GET", "/channels/123456789012345678/messages", "GET:/channels/:id/messages"},
		{"GET", "/users/111111111111111111/messages", "GET:/users/:id/messages"},
		{"DELETE", "/channels/123456789012345678/messages/987654321098765432/reactions/%F0%9F%91%8D/@me", "DELETE:/channels/:id/messages/:id/reactions/:reaction"},
		{"POST", "/webhooks/123456789012345678/aWebhookToken123", "POST:/webhooks/:id/:token"},
		{"POST", "/interactions/123456789012345678/someToken/callback", "POST:/interactions/:id/:token/callback"},
		{"GET", "/gateway/bot", "GET:/gateway/bot"},
	}

	for _, tt := range tests {
		route := NewRoute(tt.method, tt.endpoint)
		if route.RawRoute != tt.want {
			t.Errorf("NewRoute(%s, %s).RawRoute = %q, want %q", tt.method, tt.endpoint, route.RawRoute, tt.want)
		}
		if route.Endpoint != tt.endpoint {
			t.Errorf("NewRoute(%s, %s).Endpoint = %q, want the concrete endpoint", tt.method, tt.endpoint, route.Endpoint)
		}
	}
}

func TestNewRoute_SharedBucket(t *testing.T) {
	a := NewRoute("GET", "/users/111111111111111111/messages")
	b := NewRoute("GET", "/users/222222222222222222/messages")
	if a.RawRoute != b.RawRoute {
		t.Fatalf("routes differing only in ids must share a rawRoute: %q vs %q", a.RawRoute, b.RawRoute)
	}

	c := NewRoute("POST", "/users/111111111111111111/messages")
	if a.RawRoute == c.RawRoute {
		t.Fatalf("routes with different methods must not share a rawRoute")
	}
}
