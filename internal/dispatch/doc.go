// Package dispatch implements the Subscriber Registry.
//
// The registry maps a message type to a set of handlers and fans each decoded
// envelope out to every handler registered for its type. Handlers are set
// members compared by identity, so registering the same handler twice for a
// type delivers once. A failing handler never affects its siblings.
package dispatch
