// Package patient is the thin boundary to patient records: enough to seed
// rows and to resolve display names for appointment reports.
package patient

import "strings"

type Patient struct {
	ID        int64  `db:"id" json:"id"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
}

// DisplayName joins the non-empty name parts.
func (p *Patient) DisplayName() string {
	return strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
}
