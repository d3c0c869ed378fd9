package cmc

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/pkg/errors"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
)

// ControlValue is one typed value of a CMC control attribute
type ControlValue interface {
	// OID returns the control attribute type this value belongs to
	OID() asn1.ObjectIdentifier
	marshal() ([]byte, error)
}

// TaggedAttribute is a body-part-id numbered, OID identified control
// carrying one or more DER encoded values
type TaggedAttribute struct {
	BodyPartID int
	Type       asn1.ObjectIdentifier
	Values     [][]byte
}

type taggedAttribute struct {
	BodyPartID int
	AttrType   asn1.ObjectIdentifier
	AttrValues []asn1.RawValue `asn1:"set"`
}

// GetCert asks the CA for a previously issued certificate
type GetCert struct {
	Issuer pkix.RDNSequence
	Serial *big.Int
}

type getCert struct {
	Issuer pkix.RDNSequence `asn1:"explicit,tag:4"`
	Serial *big.Int
}

// ConfirmCertAcceptance confirms the client accepted an issued certificate
type ConfirmCertAcceptance struct {
	Issuer pkix.RDNSequence
	Serial *big.Int
}

type issuerSerial struct {
	Issuer []asn1.RawValue
	Serial *big.Int
}

// RevokeRequest asks the CA to revoke a certificate
type RevokeRequest struct {
	Issuer         pkix.RDNSequence
	Serial         *big.Int
	Reason         asn1.Enumerated
	InvalidityDate time.Time `asn1:"optional,generalized"`
	SharedSecret   []byte    `asn1:"optional"`
	Comment        string    `asn1:"optional,utf8"`
}

// DataReturn is opaque data the CA echoes back
type DataReturn []byte

// TransactionID identifies a multi-round transaction
type TransactionID struct {
	Value *big.Int
}

// SenderNonce is a nonce chosen by the sender of a message
type SenderNonce []byte

// RecipientNonce echoes the sender nonce of the message being answered
type RecipientNonce []byte

// QueryPending carries the request id of a pending request
type QueryPending []byte

// Opaque is a control the responder does not interpret
type Opaque struct {
	Type asn1.ObjectIdentifier
	Raw  []byte
}

// OID implements ControlValue
func (*GetCert) OID() asn1.ObjectIdentifier { return OIDGetCert }

// OID implements ControlValue
func (*ConfirmCertAcceptance) OID() asn1.ObjectIdentifier { return OIDConfirmCertAcceptance }

// OID implements ControlValue
func (*RevokeRequest) OID() asn1.ObjectIdentifier { return OIDRevokeRequest }

// OID implements ControlValue
func (DataReturn) OID() asn1.ObjectIdentifier { return OIDDataReturn }

// OID implements ControlValue
func (TransactionID) OID() asn1.ObjectIdentifier { return OIDTransactionID }

// OID implements ControlValue
func (SenderNonce) OID() asn1.ObjectIdentifier { return OIDSenderNonce }

// OID implements ControlValue
func (RecipientNonce) OID() asn1.ObjectIdentifier { return OIDRecipientNonce }

// OID implements ControlValue
func (QueryPending) OID() asn1.ObjectIdentifier { return OIDQueryPending }

// OID implements ControlValue
func (o *Opaque) OID() asn1.ObjectIdentifier { return o.Type }

func (g *GetCert) marshal() ([]byte, error) {
	return asn1.Marshal(getCert{Issuer: g.Issuer, Serial: g.Serial})
}

func (c *ConfirmCertAcceptance) marshal() ([]byte, error) {
	name, err := asn1.Marshal(c.Issuer)
	if err != nil {
		return nil, err
	}
	directoryName := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: name}
	return asn1.Marshal(issuerSerial{Issuer: []asn1.RawValue{directoryName}, Serial: c.Serial})
}

func (r *RevokeRequest) marshal() ([]byte, error) {
	return asn1.Marshal(*r)
}

func (d DataReturn) marshal() ([]byte, error) {
	return asn1.Marshal([]byte(d))
}

func (t TransactionID) marshal() ([]byte, error) {
	if t.Value == nil {
		return nil, errors.New("transaction id has no value")
	}
	return asn1.Marshal(t.Value)
}

func (n SenderNonce) marshal() ([]byte, error) {
	return asn1.Marshal([]byte(n))
}

func (n RecipientNonce) marshal() ([]byte, error) {
	return asn1.Marshal([]byte(n))
}

func (q QueryPending) marshal() ([]byte, error) {
	return asn1.Marshal([]byte(q))
}

func (o *Opaque) marshal() ([]byte, error) {
	return o.Raw, nil
}

type decoder func(raw []byte) (ControlValue, error)

var decoders = map[string]decoder{
	OIDGetCert.String():               decodeGetCert,
	OIDConfirmCertAcceptance.String(): decodeConfirmCertAcceptance,
	OIDRevokeRequest.String():         decodeRevokeRequest,
	OIDDataReturn.String():            decodeOctets(func(b []byte) ControlValue { return DataReturn(b) }),
	OIDSenderNonce.String():           decodeOctets(func(b []byte) ControlValue { return SenderNonce(b) }),
	OIDRecipientNonce.String():        decodeOctets(func(b []byte) ControlValue { return RecipientNonce(b) }),
	OIDQueryPending.String():          decodeOctets(func(b []byte) ControlValue { return QueryPending(b) }),
	OIDTransactionID.String():         decodeTransactionID,
	OIDStatusInfoV2.String():          decodeStatusInfo,
}

// Decode decodes the DER value of a control identified by oid. Controls
// this package does not know are returned as *Opaque.
func Decode(oid asn1.ObjectIdentifier, raw []byte) (ControlValue, error) {
	dec, ok := decoders[oid.String()]
	if !ok {
		return &Opaque{Type: oid, Raw: raw}, nil
	}
	v, err := dec(raw)
	if err != nil {
		return nil, caerrors.NewDecodeError("Malformed control %s: %s", oid, err)
	}
	return v, nil
}

// Encode returns the DER value of a control
func Encode(v ControlValue) ([]byte, error) {
	der, err := v.marshal()
	if err != nil {
		return nil, caerrors.NewSigningError(caerrors.ErrEncodingFailure, "Failed to encode control %s: %s", v.OID(), err)
	}
	return der, nil
}

// DecodeAll decodes every value of a tagged attribute
func DecodeAll(attr *TaggedAttribute) ([]ControlValue, error) {
	values := make([]ControlValue, 0, len(attr.Values))
	for _, raw := range attr.Values {
		v, err := Decode(attr.Type, raw)
		if err != nil {
			return nil, errors.WithMessage(err, fmt.Sprintf("body part %d", attr.BodyPartID))
		}
		values = append(values, v)
	}
	return values, nil
}

// NewTaggedAttribute encodes values into a tagged attribute. All values
// must belong to the same control type.
func NewTaggedAttribute(bodyPartID int, values ...ControlValue) (*TaggedAttribute, error) {
	if len(values) == 0 {
		return nil, caerrors.NewSigningError(caerrors.ErrEncodingFailure, "Tagged attribute %d has no values", bodyPartID)
	}
	attr := &TaggedAttribute{BodyPartID: bodyPartID, Type: values[0].OID()}
	for _, v := range values {
		if !v.OID().Equal(attr.Type) {
			return nil, caerrors.NewSigningError(caerrors.ErrEncodingFailure, "Mixed control types %s and %s in one attribute", attr.Type, v.OID())
		}
		der, err := Encode(v)
		if err != nil {
			return nil, err
		}
		attr.Values = append(attr.Values, der)
	}
	return attr, nil
}

// MarshalTaggedAttribute returns the DER encoding of attr
func MarshalTaggedAttribute(attr *TaggedAttribute) ([]byte, error) {
	return asn1.Marshal(attr.wire())
}

// ParseTaggedAttribute parses a DER encoded tagged attribute
func ParseTaggedAttribute(der []byte) (*TaggedAttribute, error) {
	var ta taggedAttribute
	if err := unmarshalStrict(der, &ta); err != nil {
		return nil, caerrors.NewDecodeError("Malformed tagged attribute: %s", err)
	}
	attr := &TaggedAttribute{BodyPartID: ta.BodyPartID, Type: ta.AttrType}
	for _, v := range ta.AttrValues {
		attr.Values = append(attr.Values, v.FullBytes)
	}
	return attr, nil
}

func (attr *TaggedAttribute) wire() taggedAttribute {
	ta := taggedAttribute{BodyPartID: attr.BodyPartID, AttrType: attr.Type}
	for _, v := range attr.Values {
		ta.AttrValues = append(ta.AttrValues, asn1.RawValue{FullBytes: v})
	}
	return ta
}

func decodeGetCert(raw []byte) (ControlValue, error) {
	var gc getCert
	if err := unmarshalStrict(raw, &gc); err != nil {
		return nil, err
	}
	if gc.Serial == nil {
		return nil, errors.New("missing serial number")
	}
	return &GetCert{Issuer: gc.Issuer, Serial: gc.Serial}, nil
}

func decodeConfirmCertAcceptance(raw []byte) (ControlValue, error) {
	var is issuerSerial
	if err := unmarshalStrict(raw, &is); err != nil {
		return nil, err
	}
	for _, gn := range is.Issuer {
		if gn.Class != asn1.ClassContextSpecific || gn.Tag != 4 {
			continue
		}
		var name pkix.RDNSequence
		if err := unmarshalStrict(gn.Bytes, &name); err != nil {
			return nil, err
		}
		return &ConfirmCertAcceptance{Issuer: name, Serial: is.Serial}, nil
	}
	return nil, errors.New("issuer has no directory name")
}

func decodeRevokeRequest(raw []byte) (ControlValue, error) {
	rr := &RevokeRequest{}
	if err := unmarshalStrict(raw, rr); err != nil {
		return nil, err
	}
	if rr.Serial == nil {
		return nil, errors.New("missing serial number")
	}
	return rr, nil
}

func decodeTransactionID(raw []byte) (ControlValue, error) {
	v := new(big.Int)
	if err := unmarshalStrict(raw, &v); err != nil {
		return nil, err
	}
	return TransactionID{Value: v}, nil
}

func decodeOctets(wrap func([]byte) ControlValue) decoder {
	return func(raw []byte) (ControlValue, error) {
		var b []byte
		if err := unmarshalStrict(raw, &b); err != nil {
			return nil, err
		}
		return wrap(b), nil
	}
}

func unmarshalStrict(der []byte, v interface{}) error {
	rest, err := asn1.Unmarshal(der, v)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return errors.Errorf("%d bytes of trailing data", len(rest))
	}
	return nil
}
