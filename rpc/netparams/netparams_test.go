package netparams_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatwire/capnp/rpc/netparams"
)

func TestRecipientKeyRoundTrip(t *testing.T) {
	k := netparams.NewRecipientKey()
	got, err := netparams.ParseRecipientKey(k.Bytes())
	require.NoError(t, err)
	require.Equal(t, k, got)
}

func TestJoinKeyPartRoundTrip(t *testing.T) {
	p := netparams.JoinKeyPart{JoinID: 0xB2, PartCount: 2, PartNum: 1}
	raw, err := p.Encode()
	require.NoError(t, err)
	got, err := netparams.DecodeJoinKeyPart(raw)
	require.NoError(t, err)
	require.Equal(t, p, got)
	require.Equal(t, netparams.JoinKey{JoinID: 0xB2, PartCount: 2}, got.Key())
}

func TestVatIDRoundTrip(t *testing.T) {
	type hint struct {
		Addr string `cbor:"addr"`
	}
	v, err := netparams.EncodeVatID(hint{Addr: "vat://peer-b"})
	require.NoError(t, err)
	var got hint
	_, err = netparams.DecodeVatID(v.Bytes(), &got)
	require.NoError(t, err)
	require.Equal(t, "vat://peer-b", got.Addr)
}
