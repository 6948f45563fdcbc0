package models

import "time"

// AccessState controls whether the subject's protected app is usable.
type AccessState string

const (
	AccessActive  AccessState = "Active"
	AccessBlocked AccessState = "Blocked"
)

// TrustedContact is who gets notified when a subject is blocked.
// Address is an email, a Telegram chat id or a gateway handle.
type TrustedContact struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// SubjectProfile is one monitored person. Registration happens outside this
// service; the engine only mutates AccessState, LastEscalationAt, BlockedAt
// and UpdatedAt.
type SubjectProfile struct {
	SubjectID        string          `json:"subjectId"`
	GuardianID       string          `json:"guardianId"`
	TrustedContact   *TrustedContact `json:"trustedContact,omitempty"`
	AccessState      AccessState     `json:"accessState"`
	LastEscalationAt *time.Time      `json:"lastEscalationAt,omitempty"`
	BlockedAt        *time.Time      `json:"blockedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers can't alias stored pointers.
func (p *SubjectProfile) Clone() *SubjectProfile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.TrustedContact != nil {
		tc := *p.TrustedContact
		cp.TrustedContact = &tc
	}
	if p.LastEscalationAt != nil {
		t := *p.LastEscalationAt
		cp.LastEscalationAt = &t
	}
	if p.BlockedAt != nil {
		t := *p.BlockedAt
		cp.BlockedAt = &t
	}
	return &cp
}
