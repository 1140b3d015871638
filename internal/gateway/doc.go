// Package gateway wires the hearth server together: the HTTP listener, the
// visitor and agent WebSocket endpoints, and the lifecycle components
// behind them.
//
// # Endpoints
//
//   - GET /ws/visitor: anonymous widget connections. The socket starts
//     unbound; the first verify frame binds it to a company and resolves
//     the visitor's single open session.
//   - GET /ws/agent: authenticated dashboard connections. The bearer
//     token is checked before the upgrade; invalid tokens get 401, never a
//     downgraded visitor connection.
//   - GET /healthz: liveness probe.
//
// # Connection Model
//
// Each socket has exactly one writer goroutine (the write pump) fed by a
// bounded queue. Broadcast-group subscriptions forward into that queue, so
// room events, queue deltas, and direct responses interleave on a single
// ordered stream per client. A slow client drops frames rather than
// blocking the router.
//
// # Identity
//
// Broadcast group keys are constructed server-side from verified identity
// only. A visitor can never name a group directly, and an agent's company
// group comes from its token claims, so cross-tenant subscription is
// structurally impossible.
package gateway
