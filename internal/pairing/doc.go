// Package pairing defines the session identity and topic protocol shared by
// both peers of a VRLink session.
//
// A session is identified by a paircode derived from the application namespace
// and a human-entered device name:
//
//	paircode := pairing.DerivePaircode("vrlink", "My Quest 3")
//	// "vrlink/my-quest-3"
//
// All broker traffic for a session flows over four topics under the paircode
// prefix:
//
//	topics := pairing.Topics{Paircode: paircode}
//	topics.Status()         // "vrlink/my-quest-3/status"
//	topics.Data()           // "vrlink/my-quest-3/data"
//	topics.AddListener()    // "vrlink/my-quest-3/add_event_listener"
//	topics.RemoveListener() // "vrlink/my-quest-3/remove_event_listener"
//
// # Message Decoding
//
// Inbound payloads are decoded by the variant matching their subtopic, never
// by sniffing the payload shape. DecodeStatus, DecodeControl and DecodeEvent
// each validate the fields their variant requires and return ErrBadPayload
// for anything else. Callers route with SubtopicOf:
//
//	switch pairing.SubtopicOf(topic) {
//	case pairing.SubtopicStatus:
//	    msg, err := pairing.DecodeStatus(payload)
//	    ...
//	}
//
// The package is pure mapping and decoding. It holds no state and performs
// no I/O; session lifecycle lives in internal/relay.
package pairing
