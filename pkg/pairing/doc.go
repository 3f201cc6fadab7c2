// Package pairing gates direct messages by sender.
//
// Each channel has a DM policy. Under the pairing policy an unknown sender
// receives a one-time code that an operator approves with
// `courier pairing approve <channel> <code>`; approved senders are kept in a
// per-channel allowlist file.
package pairing
