// Package pipeline connects the pairing gate, the CLI agent runner and the
// reply dispatcher into a single Reply call.
//
// A reply resolves the destination channel, checks the sender against the
// channel's DM policy, loads the conversation's resume token, runs the agent
// in the conversation's command lane and streams every block to a dispatcher
// bound to the channel adapter. New backend session ids are written back to
// the session registry before the dispatcher is drained.
package pipeline
