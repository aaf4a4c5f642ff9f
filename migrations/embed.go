// Package migrations embeds the SQL steps that build the appointments schema.
// Version 1 is the oldest deployed shape; each later file adds one optional
// capability (status, audit timestamps, visit reference).
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Versions of the schema steps, usable with Migrator.UpTo.
const (
	VersionBase           = 1
	VersionStatus         = 2
	VersionAuditColumns   = 3
	VersionVisitReference = 4
)
