package cmc

import (
	"encoding/asn1"
	"sort"
)

// Format is the response format the client asked for
type Format int

// Response formats
const (
	// FormatCMC is a full signed PKIResponse
	FormatCMC Format = iota
	// FormatSimple is the legacy certs-only response
	FormatSimple
)

// Session holds what the transport layer decoded from the incoming
// CMC request
type Session struct {
	// Controls are the incoming control attributes keyed by OID
	Controls map[string]*TaggedAttribute
	// IdentityProofFailures are body-part-ids that failed identity proof
	IdentityProofFailures []int
	// POPLinkFailures are body-part-ids that failed the POP link witness check
	POPLinkFailures []int
	// SignedMessages are out-of-band signed messages keyed by the
	// body-part-id of the control they prove
	SignedMessages map[int][]byte
	// Requester identifies the authenticated client
	Requester string
	Format    Format
	// SingleRequest is set for a PKCS#10 or CRMF request outside a batch
	SingleRequest bool
}

// NewSession returns an empty CMC session
func NewSession() *Session {
	return &Session{
		Controls:       make(map[string]*TaggedAttribute),
		SignedMessages: make(map[int][]byte),
	}
}

// AddControl stores attr, replacing any control of the same type
func (s *Session) AddControl(attr *TaggedAttribute) {
	if s.Controls == nil {
		s.Controls = make(map[string]*TaggedAttribute)
	}
	s.Controls[attr.Type.String()] = attr
}

// Control returns the incoming control of type oid
func (s *Session) Control(oid asn1.ObjectIdentifier) (*TaggedAttribute, bool) {
	attr, ok := s.Controls[oid.String()]
	return attr, ok
}

// bodyPartIDs returns the sorted body-part-ids of every outcome and
// control this session carries
func (s *Session) bodyPartIDs(outcomes []CertRequestOutcome) []int {
	seen := make(map[int]bool)
	var ids []int
	add := func(id int) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, o := range outcomes {
		add(o.BodyPartID)
	}
	for _, attr := range s.Controls {
		add(attr.BodyPartID)
	}
	for _, id := range s.IdentityProofFailures {
		add(id)
	}
	for _, id := range s.POPLinkFailures {
		add(id)
	}
	sort.Ints(ids)
	return ids
}
