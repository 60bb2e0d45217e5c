package types

import "time"

// CasePatch is a partial update to a case. Only non-nil fields are written;
// the store builds the UPDATE statement from what is set and always bumps
// updated_at.
type CasePatch struct {
	SupplierName   *string
	SupplierEmail  *string
	SupplierDomain *string

	MissingFields *[]string

	State  *CaseState
	Status *CaseStatus

	TouchCount *int

	Meta *CaseMeta

	// Pointer-to-pointer so a patch can distinguish "leave alone" (nil)
	// from "clear" (*T = nil).
	NextCheckAt      **time.Time
	LastInboxCheckAt **time.Time
	LastActionAt     **time.Time
}

// Empty reports whether the patch sets nothing.
func (p *CasePatch) Empty() bool {
	return p.SupplierName == nil && p.SupplierEmail == nil && p.SupplierDomain == nil &&
		p.MissingFields == nil && p.State == nil && p.Status == nil &&
		p.TouchCount == nil && p.Meta == nil &&
		p.NextCheckAt == nil && p.LastInboxCheckAt == nil && p.LastActionAt == nil
}

// SetNextCheckAt sets next_check_at to t (nil clears it).
func (p *CasePatch) SetNextCheckAt(t *time.Time) {
	p.NextCheckAt = &t
}

// SetLastInboxCheckAt stamps last_inbox_check_at.
func (p *CasePatch) SetLastInboxCheckAt(t time.Time) {
	tt := &t
	p.LastInboxCheckAt = &tt
}

// SetLastActionAt stamps last_action_at.
func (p *CasePatch) SetLastActionAt(t time.Time) {
	tt := &t
	p.LastActionAt = &tt
}
