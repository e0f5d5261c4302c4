// Package remote makes the components of a container reachable from other
// processes.
//
// A container is served by a Hub, mounted on an HTTP server: each client
// connection is upgraded to a websocket carrying JSON messages (see
// Message). On the client side, a Conn multiplexes calls on one websocket
// and ComponentProxy implements component.Proxy on top of it.
//
// Values travel tagged (see Value), so integers stay integers and
// components, events and futures are passed by reference: a component comes
// back as a proxy, a Future as a local mirror completed by the remote one.
//
// VA and DataFlow subscriptions are shared per proxy: however many local
// listeners there are, the server sees one subscription, opened by the first
// listener and closed with the last one. VA changes are numbered so that a
// mirror never goes back to an older value.
//
// Errors keep their meaning across processes: a RemoteError carries the
// original message and unwraps to the local sentinel of the same kind, so
// errors.Is(err, va.ErrOutOfRange) holds for a value refused remotely. When
// the connection is lost, every call fails with ErrConnectionClosed and the
// pending futures complete with it.
package remote
