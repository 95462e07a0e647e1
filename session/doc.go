// Package session holds in-process implementations of the conversation
// collaborators a Channel reads from: the history provider (recent turns of
// an external conversation) and the identity provider (the agent's persona
// text).
//
// Durable backends implement the same core interfaces; only the wiring layer
// decides which implementation to instantiate.
package session
