// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Maintains one shared WebSocket connection per process
//   - Coalesces concurrent Connect calls into the in-flight attempt
//   - Handles reconnection with exponential backoff and a bounded attempt count
//   - Validates inbound frames and routes them to the Subscriber Registry
//   - Sends fire-and-forget envelopes while connected
package connection
