// Package protocol is the collaborator surface of the relay wire contract.
//
// Ownership boundary:
// - message build/decode over frame + tlv primitives
// - typed record kinds (sum type over registered TLV types)
// - error taxonomy shared by relay and clients
package protocol
