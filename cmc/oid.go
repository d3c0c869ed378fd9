package cmc

import (
	"encoding/asn1"
	"fmt"
)

// id-cmc control attribute identifiers
var (
	OIDStatusInfo            = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 1}
	OIDIdentityProof         = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 3}
	OIDDataReturn            = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 4}
	OIDTransactionID         = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 5}
	OIDSenderNonce           = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 6}
	OIDRecipientNonce        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 7}
	OIDGetCert               = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 15}
	OIDRevokeRequest         = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 17}
	OIDQueryPending          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 21}
	OIDPOPLinkWitness        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 23}
	OIDConfirmCertAcceptance = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 24}
	OIDStatusInfoV2          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 25}
)

// OIDPKIResponse is the id-cct-PKIResponse content type
var OIDPKIResponse = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 12, 3}

// certificate extensions carried by a revocation entry
var (
	oidExtensionReasonCode     = asn1.ObjectIdentifier{2, 5, 29, 21}
	oidExtensionInvalidityDate = asn1.ObjectIdentifier{2, 5, 29, 24}
)

// ContentType is the label the transport writes with every response body
const ContentType = "application/pkcs7-mime"

// Status is a CMCStatus value
type Status int

// CMCStatus values
const (
	StatusSuccess         Status = 0
	StatusFailed          Status = 2
	StatusPending         Status = 3
	StatusNoSupport       Status = 4
	StatusConfirmRequired Status = 5
)

var statusNames = map[Status]string{
	StatusSuccess:         "success",
	StatusFailed:          "failed",
	StatusPending:         "pending",
	StatusNoSupport:       "noSupport",
	StatusConfirmRequired: "confirmRequired",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// FailInfo is a CMCFailInfo value
type FailInfo int

// CMCFailInfo values
const (
	FailBadAlg          FailInfo = 0
	FailBadMessageCheck FailInfo = 1
	FailBadRequest      FailInfo = 2
	FailBadTime         FailInfo = 3
	FailBadCertID       FailInfo = 4
	FailUnsupportedExt  FailInfo = 5
	FailMustArchiveKeys FailInfo = 6
	FailBadIdentity     FailInfo = 7
	FailPOPRequired     FailInfo = 8
	FailPOPFailed       FailInfo = 9
	FailNoKeyReuse      FailInfo = 10
	FailInternalCAError FailInfo = 11
	FailTryLater        FailInfo = 12
	FailAuthDataFail    FailInfo = 13
)

var failInfoNames = map[FailInfo]string{
	FailBadAlg:          "badAlg",
	FailBadMessageCheck: "badMessageCheck",
	FailBadRequest:      "badRequest",
	FailBadTime:         "badTime",
	FailBadCertID:       "badCertId",
	FailUnsupportedExt:  "unsupportedExt",
	FailMustArchiveKeys: "mustArchiveKeys",
	FailBadIdentity:     "badIdentity",
	FailPOPRequired:     "popRequired",
	FailPOPFailed:       "popFailed",
	FailNoKeyReuse:      "noKeyReuse",
	FailInternalCAError: "internalCAError",
	FailTryLater:        "tryLater",
	FailAuthDataFail:    "authDataFail",
}

func (f FailInfo) String() string {
	if name, ok := failInfoNames[f]; ok {
		return name
	}
	return fmt.Sprintf("failInfo(%d)", int(f))
}
