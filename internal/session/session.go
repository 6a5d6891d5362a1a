// Package session mirrors live WebSocket connections into Redis so that other
// processes (the REST API, operators) can see which connection a user is on
// and which server holds it. The mirror is write-only from the WebSocket
// server's point of view: presence is never reloaded from it.
package session
