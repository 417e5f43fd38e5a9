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
	"regexp"
	"strings"
)

/***********************
 *      Constants      *
 ***********************/

const (
	apiVersion = "v10"
	baseApiUrl = "https://discord.com/api/" + apiVersion
)

/***********************
 *        Route        *
 ***********************/

// Route pairs an HTTP method with a concrete endpoint and carries the
// normalized rawRoute used as the rate limit bucket key.
//
// Two concrete endpoints that only differ in path ids share a rawRoute
// and therefore a bucket.
type Route struct {
	Method   string
	Endpoint string
	RawRoute string
}

var (
	reSnowflake = regexp.MustCompile(`\d{17,19}`)
	reReactions = regexp.MustCompile(`/reactions/.*`)
	reWebhooks  = regexp.MustCompile(`/webhooks/:id/[^/?]+`)
)

// NewRoute builds a Route for the given method and endpoint.
//
// The endpoint is relative to the API base url ("/channels/123/messages").
// Path ids are masked with ":id" to form the rawRoute; reaction emojis and
// webhook tokens are masked as well since Discord buckets them together.
func NewRoute(method, endpoint string) Route {
	if strings.HasPrefix(endpoint, "/interactions/") && strings.HasSuffix(endpoint, "/callback") {
		return Route{
			Method:   method,
			Endpoint: endpoint,
			RawRoute: method + ":/interactions/:id/:token/callback",
		}
	}

	raw := reSnowflake.ReplaceAllString(endpoint, ":id")
	raw = reReactions.ReplaceAllString(raw, "/reactions/:reaction")
	raw = reWebhooks.ReplaceAllString(raw, "/webhooks/:id/:token")

	return Route{
		Method:   method,
		Endpoint: endpoint,
		RawRoute: method + ":" + raw,
	}
}
