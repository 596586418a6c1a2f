// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package identity

import (
	"testing"

	"github.com/luxfi/convoy/xcrypto"
	"github.com/stretchr/testify/require"
)

func genDevice(t *testing.T) (xcrypto.Ed25519PublicKey, xcrypto.Ed25519PrivateKey) {
	t.Helper()
	pub, priv, err := xcrypto.GenerateEd25519()
	require.NoError(t, err)
	return pub, priv
}

func TestGenesisAuthorizesCreator(t *testing.T) {
	logical, _ := genDevice(t)
	device, _ := genDevice(t)

	tbl := New()
	tbl.Genesis(logical, device, 0)

	require.NoError(t, tbl.IsAuthorized(device, logical, 1000, 0))

	m, ok := tbl.Member(logical)
	require.True(t, ok)
	require.Equal(t, "owner", m.Role)
}

func TestAuthorizeDeviceTransitiveChain(t *testing.T) {
	logical, _ := genDevice(t)
	rootDevice, _ := genDevice(t)
	subDevice, _ := genDevice(t)

	tbl := New()
	tbl.Genesis(logical, rootDevice, 0)

	cert := DelegationCertificate{
		LogicalIdentityPk: logical,
		SubjectDevicePk:   subDevice,
		IssuerPk:          rootDevice,
		Permissions:       PermPost,
		IssuedAtRank:      1,
	}
	tbl.AuthorizeDevice(cert, 1)

	require.NoError(t, tbl.IsAuthorized(subDevice, logical, 1000, 1))
}

func TestRevokeDeviceInvalidatesLaterRanks(t *testing.T) {
	logical, _ := genDevice(t)
	device, _ := genDevice(t)

	tbl := New()
	tbl.Genesis(logical, device, 0)
	tbl.RevokeDevice(device, 5)

	require.NoError(t, tbl.IsAuthorized(device, logical, 1000, 4))
	require.ErrorIs(t, tbl.IsAuthorized(device, logical, 1000, 5), ErrCertificateRevoked)
	require.ErrorIs(t, tbl.IsAuthorized(device, logical, 1000, 6), ErrCertificateRevoked)
}

func TestIsAuthorizedUnknownDevice(t *testing.T) {
	logical, _ := genDevice(t)
	unknownDevice, _ := genDevice(t)

	tbl := New()
	require.ErrorIs(t, tbl.IsAuthorized(unknownDevice, logical, 1000, 0), ErrUnknownDevice)
}

func TestIsAuthorizedExpired(t *testing.T) {
	logical, _ := genDevice(t)
	device, _ := genDevice(t)

	tbl := New()
	tbl.Genesis(logical, device, 0)
	tbl.AuthorizeDevice(DelegationCertificate{
		LogicalIdentityPk: logical,
		SubjectDevicePk:   device,
		IssuerPk:          logical,
		Permissions:       PermPost,
		Expiry:            500,
	}, 0)

	require.ErrorIs(t, tbl.IsAuthorized(device, logical, 1000, 0), ErrCertificateExpired)
	require.NoError(t, tbl.IsAuthorized(device, logical, 100, 0))
}

func TestInviteAndLeave(t *testing.T) {
	logical, _ := genDevice(t)

	tbl := New()
	tbl.Invite(logical, "member", 2)

	m, ok := tbl.Member(logical)
	require.True(t, ok)
	require.Nil(t, m.RevokedAtRank)

	tbl.Leave(logical, 10)
	m, ok = tbl.Member(logical)
	require.True(t, ok)
	require.NotNil(t, m.RevokedAtRank)
	require.Equal(t, uint64(10), *m.RevokedAtRank)
}

func TestAnnouncementTable(t *testing.T) {
	device, _ := genDevice(t)
	_, pub, err := xcrypto.GenerateX25519()
	require.NoError(t, err)

	tbl := NewAnnouncementTable()
	tbl.Record(PreKeyBundle{DevicePk: device, PreKey: pub})

	bundle, ok := tbl.Lookup(device)
	require.True(t, ok)
	require.Equal(t, pub, bundle.PreKey)

	tbl.Remove(device)
	_, ok = tbl.Lookup(device)
	require.False(t, ok)
}

func TestPermissionsHas(t *testing.T) {
	p := PermPost | PermInvite
	require.True(t, p.Has(PermPost))
	require.True(t, p.Has(PermInvite))
	require.False(t, p.Has(PermRekey))
}
