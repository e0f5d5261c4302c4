// Package auth issues and checks the tokens guarding container endpoints.
//
// A container started with a JWT secret only accepts connections carrying a
// bearer token signed with it. The token names its holder and grants one of
// two roles:
//   - observer: describe components, read VAs, subscribe to VAs and DataFlows
//   - operator: everything, including writes, method calls and events
//
// Tokens are HS256 JWTs, validated by signature only.
package auth
