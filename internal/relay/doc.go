// Package relay implements the signaling relay server: it authenticates
// connecting call participants, matches two participants of the same account
// into a session, and forwards session descriptions and ICE candidates
// between them without interpreting the payloads.
package relay
