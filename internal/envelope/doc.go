// Package envelope implements the wire codec for dashlink messages.
//
// Every frame on the wire is a JSON object with exactly three fields:
//
//	{"type": "<routing key>", "payload": <any JSON value>, "timestamp": <epoch ms>}
//
// Decode never panics on peer input. Malformed frames come back as a
// *DecodeError so the connection can log and drop them.
package envelope
