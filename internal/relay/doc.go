// ABOUTME: Package relay moves user messages to agents and replies back to clients
// ABOUTME: Transport-independent pipeline plus the WebSocket protocol on top of it

// Package relay implements the message pipeline between users and agents.
//
// A send is admitted by the credit ledger, routed to the conversation for
// the (user, agent) pair, persisted, charged, handed to the external
// assistant, and answered once the assistant run finishes. The reply is
// persisted and delivered to the caller and to every other socket in the
// conversation room.
//
// The same Relay serves the REST API and the WebSocket protocol in
// SocketServer. Guest sockets get their own Relay over a private in-memory
// store via ForGuest.
package relay
