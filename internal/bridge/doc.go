// Package bridge relays the host's value store to a single isolated peer
// process, typically the UI.
//
// A peer connects over a Unix socket (or the optional WebSocket endpoint),
// sends an attach message naming the contract, and from then on exchanges
// values messages. Each key in a values message is either a set (key with a
// scalar) or a get (key with nil). Sets are applied to the store as one
// batch; gets are answered in one reply listing only the keys that exist,
// and an all-unknown get is not answered at all. Every store change made by
// another origin is forwarded to the peer. The peer's own sets are not
// echoed back.
//
// At most one peer holds the contract. A second attach while the first is
// connected is rejected with ErrContractBusy; once the first has gone, the
// next attach takes its place.
//
// Wire format: one CBOR map per message, deterministic encoding:
//
//	{v: 1, type: "attach"|"attached"|"reject"|"values",
//	 contract: "...", peer: "...", reason: "...", values: {key: scalar|null}}
//
// On the Unix socket messages are written back to back (CBOR items are
// self-delimiting); on WebSocket each message is one binary frame.
//
// Usage (host):
//
//	srv := bridge.New(cfg.Bridge, store)
//	go srv.ListenAndServe(ctx)
//	defer srv.Close()
//
// Usage (peer):
//
//	c, err := bridge.Dial(ctx, cfg.Bridge.SocketPath, cfg.Bridge.Contract)
//	sub := c.Observe(func(ch valuestore.Change) { render(ch.Values) })
//	c.Get("ConfigTemperatureUnit")
package bridge
