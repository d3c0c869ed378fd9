package cmc

import (
	"encoding/asn1"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
)

// PendInfo tells the client when to ask again for a pending request
type PendInfo struct {
	Token []byte
	Time  time.Time
}

type pendInfo struct {
	Token []byte
	Time  time.Time `asn1:"generalized"`
}

// StatusInfo is a CMCStatusInfoV2 control value
type StatusInfo struct {
	Status       Status
	BodyList     []int
	StatusString string
	FailInfo     *FailInfo
	PendInfo     *PendInfo
}

type statusInfoV2 struct {
	Status       int
	BodyList     []int
	StatusString string        `asn1:"optional,utf8"`
	OtherInfo    asn1.RawValue `asn1:"optional"`
}

// NewStatusInfo returns a status-info with no other info
func NewStatusInfo(status Status, bodyList []int) *StatusInfo {
	return &StatusInfo{Status: status, BodyList: bodyList}
}

// NewFailedStatusInfo returns a FAILED status-info carrying fail
func NewFailedStatusInfo(bodyList []int, fail FailInfo, msg string) *StatusInfo {
	return &StatusInfo{
		Status:       StatusFailed,
		BodyList:     bodyList,
		StatusString: msg,
		FailInfo:     &fail,
	}
}

// NewPendingStatusInfo returns a PENDING status-info for a queued request
func NewPendingStatusInfo(bodyList []int, requestID string, checkAfter time.Time) *StatusInfo {
	return &StatusInfo{
		Status:   StatusPending,
		BodyList: bodyList,
		PendInfo: &PendInfo{Token: []byte(requestID), Time: checkAfter},
	}
}

// OID implements ControlValue
func (*StatusInfo) OID() asn1.ObjectIdentifier { return OIDStatusInfoV2 }

func (si *StatusInfo) marshal() ([]byte, error) {
	if len(si.BodyList) == 0 {
		return nil, errors.Errorf("%s status info has an empty body list", si.Status)
	}
	if si.FailInfo != nil && si.PendInfo != nil {
		return nil, errors.New("status info carries both fail info and pend info")
	}

	w := statusInfoV2{
		Status:       int(si.Status),
		BodyList:     si.BodyList,
		StatusString: si.StatusString,
	}
	var other []byte
	var err error
	switch {
	case si.FailInfo != nil:
		other, err = asn1.Marshal(int(*si.FailInfo))
	case si.PendInfo != nil:
		other, err = asn1.Marshal(pendInfo{Token: si.PendInfo.Token, Time: si.PendInfo.Time.UTC()})
	}
	if err != nil {
		return nil, err
	}
	if other != nil {
		w.OtherInfo = asn1.RawValue{FullBytes: other}
	}
	return asn1.Marshal(w)
}

func decodeStatusInfo(raw []byte) (ControlValue, error) {
	var w statusInfoV2
	if err := unmarshalStrict(raw, &w); err != nil {
		return nil, err
	}
	if len(w.BodyList) == 0 {
		return nil, errors.New("empty body list")
	}

	si := &StatusInfo{
		Status:       Status(w.Status),
		BodyList:     w.BodyList,
		StatusString: w.StatusString,
	}
	if len(w.OtherInfo.FullBytes) == 0 {
		return si, nil
	}

	switch {
	case w.OtherInfo.Class == asn1.ClassUniversal && w.OtherInfo.Tag == asn1.TagInteger:
		var fail int
		if err := unmarshalStrict(w.OtherInfo.FullBytes, &fail); err != nil {
			return nil, err
		}
		fi := FailInfo(fail)
		si.FailInfo = &fi
	case w.OtherInfo.Class == asn1.ClassUniversal && w.OtherInfo.Tag == asn1.TagSequence:
		var pi pendInfo
		if err := unmarshalStrict(w.OtherInfo.FullBytes, &pi); err != nil {
			return nil, err
		}
		si.PendInfo = &PendInfo{Token: pi.Token, Time: pi.Time}
	default:
		return nil, errors.Errorf("unsupported other status info tag %d", w.OtherInfo.Tag)
	}
	return si, nil
}

// RequestStatus is the outcome the enrollment engine decided for one request
type RequestStatus int

// Request outcomes
const (
	RequestOK RequestStatus = iota
	RequestPending
	RequestFailed
)

// CertRequestOutcome is the decided result of one certificate request
type CertRequestOutcome struct {
	BodyPartID  int
	RequestID   string
	Status      RequestStatus
	Certificate []byte
}

// Control is a body-part-id numbered control of a response
type Control struct {
	BodyPartID int
	Value      ControlValue
}

// BodyPartCounter hands out the body-part-ids of response controls
type BodyPartCounter struct {
	next int
}

// NewBodyPartCounter returns a counter starting at 1
func NewBodyPartCounter() *BodyPartCounter {
	return &BodyPartCounter{next: 1}
}

// Next returns the next body-part-id
func (c *BodyPartCounter) Next() int {
	id := c.next
	c.next++
	return id
}

// Aggregation is the result of aggregating request outcomes
type Aggregation struct {
	Controls  []Control
	Successes []CertRequestOutcome
}

// aggregate builds the status-info controls for outcomes. Every
// body-part-id lands in at most one status-info.
func (r *Responder) aggregate(outcomes []CertRequestOutcome, sess *Session, counter *BodyPartCounter) *Aggregation {
	agg := &Aggregation{}
	emit := func(si *StatusInfo) {
		agg.Controls = append(agg.Controls, Control{BodyPartID: counter.Next(), Value: si})
		r.recorder.StatusEmitted(si.Status)
	}

	if sess.SingleRequest {
		if len(outcomes) == 0 {
			return agg
		}
		o := outcomes[0]
		switch o.Status {
		case RequestPending:
			emit(NewPendingStatusInfo([]int{1}, o.RequestID, r.clock.Now()))
		case RequestFailed:
			emit(NewFailedStatusInfo([]int{1}, FailBadRequest, ""))
		case RequestOK:
			agg.Successes = append(agg.Successes, o)
		default:
			log.Warningf("Dropping request %s with unknown outcome %d", o.RequestID, o.Status)
		}
		return agg
	}

	excluded := make(map[int]bool)
	var identity, popLink []int
	for _, id := range sess.IdentityProofFailures {
		if !excluded[id] {
			excluded[id] = true
			identity = append(identity, id)
		}
	}
	for _, id := range sess.POPLinkFailures {
		if !excluded[id] {
			excluded[id] = true
			popLink = append(popLink, id)
		}
	}
	if len(identity) > 0 {
		emit(NewFailedStatusInfo(identity, FailBadIdentity, ""))
	}
	if len(popLink) > 0 {
		emit(NewFailedStatusInfo(popLink, FailBadRequest, ""))
	}

	var pending, success, failed []int
	var firstPending string
	for _, o := range outcomes {
		if excluded[o.BodyPartID] {
			continue
		}
		switch o.Status {
		case RequestPending:
			if len(pending) == 0 {
				firstPending = o.RequestID
			}
			pending = append(pending, o.BodyPartID)
		case RequestOK:
			success = append(success, o.BodyPartID)
			agg.Successes = append(agg.Successes, o)
		case RequestFailed:
			failed = append(failed, o.BodyPartID)
		default:
			log.Warningf("Dropping body part %d with unknown outcome %d", o.BodyPartID, o.Status)
			continue
		}
		excluded[o.BodyPartID] = true
	}

	if len(pending) > 0 {
		emit(NewPendingStatusInfo(pending, firstPending, r.clock.Now()))
	}
	if len(success) > 0 {
		if r.cfg.ConfirmRequired {
			emit(NewStatusInfo(StatusConfirmRequired, success))
		} else {
			emit(NewStatusInfo(StatusSuccess, success))
		}
	}
	if len(failed) > 0 {
		emit(NewFailedStatusInfo(failed, FailBadRequest, ""))
	}
	return agg
}
