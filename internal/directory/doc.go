// Package directory binds container names to transport endpoints in a
// SQLite database shared by every Odemis process of a machine.
//
// A backend binds the name of its container when it starts serving and
// unbinds it at shutdown. Clients resolve names to websocket URLs. Entries
// left behind by crashed processes are detected through their pid and
// treated as unbound.
package directory
