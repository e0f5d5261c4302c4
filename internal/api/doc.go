// Package api provides the HTTP endpoint of an Odemis container.
//
// Each container hosted by a process gets its own Server, listening on its
// own port. The server carries:
//   - the websocket endpoint (transport.path, "/ws" by default) through which
//     other processes call the components, see package remote
//   - GET /api/v1/health
//   - GET /api/v1/metrics
//   - GET /api/v1/components, /api/v1/components/{name} and
//     /api/v1/components/{name}/vas/{va}, read-only inspection
//
// When security.jwt.secret is set, every route but health requires a bearer
// token (see package auth); observer tokens cannot change component state.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
