// Package rate provides Redis-backed fixed-window counters for the
// authentication flows.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - al:  — login per-identifier
//   - ali: — login per-IP
//   - ar:  — refresh per-session
//
// Policy (which flows are throttled, at what budgets) lives with the engine
// configuration; this package only implements the counters.
package rate
