// Package ratelimit gates repeated access to (route, client) pairs with a
// fixed-window counter.
//
// A Limiter applies one policy (window, max) to many clients. The first
// request of a client opens a window with count 1. Later requests inside the
// window increment the count while it does not exceed max, so max+1 requests
// are admitted before the next one is denied. A denied request does not
// extend the window. Once more than window has elapsed since the last
// admitted request the count starts over.
//
// A RouteLimiter maps routes to Limiters. Unknown routes and policies with a
// zero window or max always allow: the limiter fails open.
package ratelimit
