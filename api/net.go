package api

// Outcome status values accepted in CertRequestOutcomeNet.Status
const (
	OutcomeOK      = "ok"
	OutcomePending = "pending"
	OutcomeFailed  = "failed"
)

// Response formats accepted in CMCResponseRequestNet.Format
const (
	FormatCMC    = "cmc"
	FormatSimple = "simple"
)

// CertRequestOutcomeNet is the decided outcome of one certificate request
type CertRequestOutcomeNet struct {
	BodyPartID int    `json:"bodypartid"`
	RequestID  string `json:"requestid,omitempty"`
	Status     string `json:"status"`
	// Certificate is the issued certificate, base64 DER
	Certificate string `json:"certificate,omitempty"`
}

// SignedMessageNet is an out-of-band signed proof for one control
type SignedMessageNet struct {
	BodyPartID int `json:"bodypartid"`
	// Message is a PKCS#7 SignedData, base64 DER
	Message string `json:"message"`
}

// CMCResponseRequestNet asks the server to build the response for a
// CMC request whose certificate requests were already decided
type CMCResponseRequestNet struct {
	Outcomes []CertRequestOutcomeNet `json:"outcomes"`
	// Controls are the request's TaggedAttributes, base64 DER
	Controls              []string           `json:"controls,omitempty"`
	IdentityProofFailures []int              `json:"identityprooffailures,omitempty"`
	POPLinkFailures       []int              `json:"poplinkfailures,omitempty"`
	SignedMessages        []SignedMessageNet `json:"signedmessages,omitempty"`
	Requester             string             `json:"requester,omitempty"`
	Format                string             `json:"format,omitempty"`
	SingleRequest         bool               `json:"singlerequest,omitempty"`
}

// CAInfoResponseNet is the response to the GET /cainfo request
type CAInfoResponseNet struct {
	CAName string
	// CAChain is the PEM encoded CA certificate followed by its issuers
	CAChain            string
	SignatureAlgorithm string
	Version            string
}
