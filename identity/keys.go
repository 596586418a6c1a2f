// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identity tracks, per conversation, which logical identities
// and physical devices are members, the delegation chains that
// authorize a device to act for an identity, and the peer pre-key
// table X3DH handshakes draw from.
package identity

import "github.com/luxfi/convoy/xcrypto"

// LogicalIdentityPk is a human/account-level Ed25519 public key.
type LogicalIdentityPk = xcrypto.Ed25519PublicKey

// PhysicalDevicePk is a device-level Ed25519 public key, authorized to
// act for a LogicalIdentityPk by a DelegationCertificate.
type PhysicalDevicePk = xcrypto.Ed25519PublicKey

// Permissions is a bitmask of what a device may do on behalf of its
// logical identity.
type Permissions uint32

const (
	PermPost Permissions = 1 << iota
	PermAuthorizeDevice
	PermRevokeDevice
	PermInvite
	PermLeave
	PermRekey
)

// Has reports whether p grants every bit set in want.
func (p Permissions) Has(want Permissions) bool {
	return p&want == want
}

// DelegationCertificate authorizes SubjectDevicePk to act for
// LogicalIdentityPk, signed by IssuerPk — either the logical identity
// itself or a device already carrying PermAuthorizeDevice.
type DelegationCertificate struct {
	LogicalIdentityPk LogicalIdentityPk
	SubjectDevicePk   PhysicalDevicePk
	IssuerPk          PhysicalDevicePk
	Permissions       Permissions
	Expiry            int64 // unix seconds; 0 = no expiry
	IssuedAtRank      uint64
	Signature         []byte
}

// SigningBytes returns the canonical bytes the certificate signature
// covers.
func (c DelegationCertificate) SigningBytes() []byte {
	buf := make([]byte, 0, len(c.LogicalIdentityPk)+len(c.SubjectDevicePk)+len(c.IssuerPk)+16)
	buf = append(buf, c.LogicalIdentityPk...)
	buf = append(buf, c.SubjectDevicePk...)
	buf = append(buf, c.IssuerPk...)
	buf = appendUint64(buf, uint64(c.Permissions))
	buf = appendUint64(buf, uint64(c.Expiry))
	buf = appendUint64(buf, c.IssuedAtRank)
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	return append(buf, b[:]...)
}

// ExpiredAt reports whether the certificate has expired by asOfTime
// (unix seconds).
func (c DelegationCertificate) ExpiredAt(asOfTime int64) bool {
	return c.Expiry != 0 && asOfTime >= c.Expiry
}
