// Package netparams gives concrete shapes to the network parameters
// Cap'n Proto's RPC protocol leaves generic to the vat network
// implementation: VatId, ProvisionId, RecipientId, ThirdPartyCapId, and
// JoinKeyPart (used by Provide/Accept/Join and the third-party-answer
// handoff, spec §4.8.3-4.8.5). Since this module has no concrete vat
// network (spec §1 Non-goals: no network I/O), they are opaque,
// self-describing CBOR blobs addressed by a UUID-valued key — enough to
// round-trip through a connection without inventing an addressing
// scheme.
package netparams

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// RecipientKey identifies the recipient of a Provide, and the
// corresponding Accept's provision. It doubles as the map key the peer
// indexes provides by (spec §4.7 provide_by_recipient).
type RecipientKey uuid.UUID

// NewRecipientKey mints a fresh, random recipient key.
func NewRecipientKey() RecipientKey { return RecipientKey(uuid.New()) }

func (k RecipientKey) String() string { return uuid.UUID(k).String() }

// Bytes returns the key's canonical 16-byte form, suitable as a map key
// via string(Bytes()) or as an []byte wire field.
func (k RecipientKey) Bytes() []byte {
	u := uuid.UUID(k)
	return u[:]
}

// ParseRecipientKey decodes a wire RecipientId back into a RecipientKey.
func ParseRecipientKey(b []byte) (RecipientKey, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return RecipientKey{}, err
	}
	return RecipientKey(u), nil
}

// VatID is an opaque, CBOR-encoded vat address. This module never
// resolves it to a transport endpoint; it only needs to compare and
// transmit it.
type VatID struct {
	raw []byte
}

// EncodeVatID CBOR-encodes an arbitrary descriptive payload (e.g. a map
// of address hints) as a VatID.
func EncodeVatID(v interface{}) (VatID, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return VatID{}, err
	}
	return VatID{raw: b}, nil
}

// Bytes returns the wire form of v.
func (v VatID) Bytes() []byte { return v.raw }

// DecodeVatID wraps raw wire bytes as a VatID (decoding into dst when
// dst is non-nil).
func DecodeVatID(raw []byte, dst interface{}) (VatID, error) {
	if dst != nil {
		if err := cbor.Unmarshal(raw, dst); err != nil {
			return VatID{}, err
		}
	}
	return VatID{raw: append([]byte(nil), raw...)}, nil
}

// ThirdPartyCapID is the opaque descriptor a vat uses to vouch for a
// capability being handed off through a third party (spec §4.8.5's
// completion_key travels in practice as part of this descriptor's
// payload in a full vat-network implementation; here the completion key
// is carried directly on ThirdPartyAnswer/awaitFromThirdParty instead,
// and ThirdPartyCapID only needs to round-trip opaque vouching data).
type ThirdPartyCapID struct {
	raw []byte
}

func EncodeThirdPartyCapID(v interface{}) (ThirdPartyCapID, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return ThirdPartyCapID{}, err
	}
	return ThirdPartyCapID{raw: b}, nil
}

func (t ThirdPartyCapID) Bytes() []byte { return t.raw }

func DecodeThirdPartyCapID(raw []byte, dst interface{}) (ThirdPartyCapID, error) {
	if dst != nil {
		if err := cbor.Unmarshal(raw, dst); err != nil {
			return ThirdPartyCapID{}, err
		}
	}
	return ThirdPartyCapID{raw: append([]byte(nil), raw...)}, nil
}

// JoinKeyPart is one part of a Join key: which join this part belongs
// to, how many parts the full key has, and this part's index (spec
// §4.8.4).
type JoinKeyPart struct {
	JoinID    uint32 `cbor:"join_id"`
	PartCount uint16 `cbor:"part_count"`
	PartNum   uint16 `cbor:"part_num"`
}

// JoinKey is the (join_id, part_count) pair join_states is actually keyed
// by (spec §4.7: "actually keyed by (join_id, part_count)").
type JoinKey struct {
	JoinID    uint32
	PartCount uint16
}

func (p JoinKeyPart) Key() JoinKey { return JoinKey{JoinID: p.JoinID, PartCount: p.PartCount} }

// Encode/Decode round-trip a JoinKeyPart through CBOR for wire transfer
// as an opaque network parameter.
func (p JoinKeyPart) Encode() ([]byte, error) { return cbor.Marshal(p) }

func DecodeJoinKeyPart(raw []byte) (JoinKeyPart, error) {
	var p JoinKeyPart
	err := cbor.Unmarshal(raw, &p)
	return p, err
}
