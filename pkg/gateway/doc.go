// Package gateway exposes courier over a websocket.
//
// A client connects to /ws, answers the HMAC challenge when a shared secret
// is configured, and sends {"type":"message","text":"..."} frames. Replies
// arrive as {"type":"reply","kind":"text","text":"...","seq":1} frames.
// The Hub is also a queued channels.Adapter whose targets are client ids.
package gateway
