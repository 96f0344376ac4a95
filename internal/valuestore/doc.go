// Package valuestore provides the process-wide key-value store behind the
// local value bridge.
//
// The store holds scalar values (string, float64, bool) under string keys.
// Writers set whole batches on behalf of an origin ("sensor", "cloud", a
// bridge peer); observers registered with Observe receive one Change per
// batch listing only the keys whose value changed. Unsubscribing guarantees
// no delivery after Unsubscribe returns.
//
// The store is an explicit object passed to each component, never a global.
// Persistence to SQLite is optional: Restore seeds the store at startup and
// Persist saves every later change.
package valuestore
