// Package room implements the assignment engine at the center of hearth:
// the state machine that moves chat sessions between queued, assigned,
// orphaned, and closed, and the message path through a session's room.
//
// # Assignment Model
//
// Every open session belongs to exactly one visitor and is addressed by a
// room key that survives reconnects. Sessions wait in a per-company queue
// until an agent claims them. Claims are first-write-wins: the engine
// delegates to the store's conditional update, so two agents racing for
// the same session resolve without any lock in this package.
//
// # Message Path
//
// Messages persist before they broadcast. A message_received frame is only
// ever emitted for a row that exists, so clients can treat the broadcast
// stream as a faithful replay of the store. The sender receives its own
// message back, which confirms optimistic echoes against server ordering.
//
// # Automatic Replies
//
// When a visitor messages an unclaimed session and a bot responder is
// configured, the engine asks it for a reply off the request path. The
// reply re-enters through the same persist-then-broadcast path as any
// other message, after re-checking that the session is still open.
package room
