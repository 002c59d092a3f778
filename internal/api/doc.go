// ABOUTME: Package api exposes agentchat over REST
// ABOUTME: Handlers are thin; the relay, directory, ledger and payment service do the work

// Package api is the REST surface: a chi router with bearer authentication,
// JSON bodies of the form {"data": ...} and errors of the form
// {"error": "..."} with status codes derived from the domain errors.
package api
