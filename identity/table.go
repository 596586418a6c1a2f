// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package identity

import (
	"bytes"
	"errors"
	"sync"
)

// MaxDelegationDepth bounds how far is_authorized walks an issuer
// chain before giving up, so a cyclic or very long chain can never
// cause unbounded work.
const MaxDelegationDepth = 16

var (
	ErrUnknownDevice       = errors.New("identity: device not authorized")
	ErrCertificateExpired  = errors.New("identity: delegation certificate expired")
	ErrCertificateRevoked  = errors.New("identity: delegation certificate revoked")
	ErrChainTooDeep        = errors.New("identity: delegation chain exceeds max depth")
	ErrAuthorMismatch      = errors.New("identity: chain root does not match claimed author")
	ErrCertificateSignature = errors.New("identity: delegation certificate signature invalid")
)

// Member records one logical identity's membership in a conversation.
type Member struct {
	LogicalPk     LogicalIdentityPk
	Role          string
	AddedAtRank   uint64
	RevokedAtRank *uint64
}

// deviceRecord tracks one device's delegation certificate plus the
// rank it was revoked at, if any.
type deviceRecord struct {
	cert          DelegationCertificate
	authorizedAt  uint64
	revokedAtRank *uint64
}

// Table is the per-conversation identity manager: members, authorized
// devices, and the lazily recomputed authorization closure.
type Table struct {
	mu sync.RWMutex

	members map[string]*Member // key: LogicalIdentityPk bytes
	devices map[string]*deviceRecord // key: PhysicalDevicePk bytes
}

// New returns an empty identity table.
func New() *Table {
	return &Table{
		members: make(map[string]*Member),
		devices: make(map[string]*deviceRecord),
	}
}

func keyOf(pk []byte) string {
	return string(pk)
}

// Genesis installs the conversation creator as the first member and
// its device as the root of the delegation tree.
func (t *Table) Genesis(creatorLogicalPk LogicalIdentityPk, creatorDevicePk PhysicalDevicePk, atRank uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.members[keyOf(creatorLogicalPk)] = &Member{
		LogicalPk:   append(LogicalIdentityPk(nil), creatorLogicalPk...),
		Role:        "owner",
		AddedAtRank: atRank,
	}
	t.devices[keyOf(creatorDevicePk)] = &deviceRecord{
		cert: DelegationCertificate{
			LogicalIdentityPk: creatorLogicalPk,
			SubjectDevicePk:   creatorDevicePk,
			IssuerPk:          creatorLogicalPk,
			Permissions:       PermPost | PermAuthorizeDevice | PermRevokeDevice | PermInvite | PermLeave | PermRekey,
			IssuedAtRank:      atRank,
		},
		authorizedAt: atRank,
	}
}

// AuthorizeDevice records cert after the caller has verified its
// signature chains to an already-authorized issuer.
func (t *Table) AuthorizeDevice(cert DelegationCertificate, atRank uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[keyOf(cert.SubjectDevicePk)] = &deviceRecord{cert: cert, authorizedAt: atRank}
}

// RevokeDevice marks target revoked at atRank. All nodes at rank >=
// atRank authored via a chain passing through target become
// unauthorized.
func (t *Table) RevokeDevice(target PhysicalDevicePk, atRank uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.devices[keyOf(target)]
	if !ok {
		return
	}
	rank := atRank
	rec.revokedAtRank = &rank
}

// Invite adds a member to the conversation.
func (t *Table) Invite(logicalPk LogicalIdentityPk, role string, atRank uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members[keyOf(logicalPk)] = &Member{
		LogicalPk:   append(LogicalIdentityPk(nil), logicalPk...),
		Role:        role,
		AddedAtRank: atRank,
	}
}

// Leave removes a member from the conversation at atRank.
func (t *Table) Leave(logicalPk LogicalIdentityPk, atRank uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[keyOf(logicalPk)]
	if !ok {
		return
	}
	rank := atRank
	m.RevokedAtRank = &rank
}

// Member returns the member record for logicalPk, if any.
func (t *Table) Member(logicalPk LogicalIdentityPk) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[keyOf(logicalPk)]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// IsAuthorized reports whether devicePk, at asOfRank and asOfTime, is
// authorized to act for claimedAuthor: there must exist an unrevoked,
// unexpired delegation chain from devicePk whose root issuer is
// claimedAuthor itself.
func (t *Table) IsAuthorized(devicePk PhysicalDevicePk, claimedAuthor LogicalIdentityPk, asOfTime int64, asOfRank uint64) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	current := devicePk
	for depth := 0; depth < MaxDelegationDepth; depth++ {
		rec, ok := t.devices[keyOf(current)]
		if !ok {
			return ErrUnknownDevice
		}
		if rec.revokedAtRank != nil && *rec.revokedAtRank <= asOfRank {
			return ErrCertificateRevoked
		}
		if rec.cert.ExpiredAt(asOfTime) {
			return ErrCertificateExpired
		}
		if !bytes.Equal(rec.cert.LogicalIdentityPk, claimedAuthor) {
			return ErrAuthorMismatch
		}
		if bytes.Equal(rec.cert.IssuerPk, rec.cert.LogicalIdentityPk) {
			// Self-issued: this is the root of the chain.
			return nil
		}
		current = rec.cert.IssuerPk
	}
	return ErrChainTooDeep
}

// HasPermission reports whether devicePk's own delegation certificate
// grants want, independent of chain walking — used for the immediate
// action a node's author is attempting (e.g. issuing a RevokeDevice).
func (t *Table) HasPermission(devicePk PhysicalDevicePk, want Permissions) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.devices[keyOf(devicePk)]
	if !ok {
		return false
	}
	return rec.cert.Permissions.Has(want)
}
