// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dagnode

// State is the node lifecycle state. Transitions are monotone
// (Unknown -> Speculative -> Verified -> Interior) except for
// revocation, which can move a would-be-Verified node back to
// Rejected on re-check.
type State uint32

const (
	StateUnknown State = iota
	StateSpeculative
	StateVerified
	StateInterior
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateSpeculative:
		return "Speculative"
	case StateVerified:
		return "Verified"
	case StateInterior:
		return "Interior"
	case StateRejected:
		return "Rejected"
	default:
		return "Invalid"
	}
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateSpeculative, StateVerified, StateInterior, StateRejected:
		return true
	default:
		return false
	}
}

// Admitted reports whether the node has passed authentication at
// least once (Verified or Interior).
func (s State) Admitted() bool {
	return s == StateVerified || s == StateInterior
}

// AuthKind selects which authentication field on a node is populated.
type AuthKind uint8

const (
	AuthMAC AuthKind = iota
	AuthSignature
)

func (k AuthKind) String() string {
	switch k {
	case AuthMAC:
		return "MAC"
	case AuthSignature:
		return "Signature"
	default:
		return "Invalid"
	}
}

// ExpectedAuthKind returns the authentication kind a node of the given
// content kind must carry: admin nodes are signed, content nodes are
// MAC'd.
func ExpectedAuthKind(ck ContentKind) AuthKind {
	if ck.IsAdmin() {
		return AuthSignature
	}
	return AuthMAC
}
