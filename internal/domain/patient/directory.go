package patient

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

const Unknown = "Unknown"

// Directory resolves patient display names. Every failure reads as Unknown.
type Directory struct {
	repo   Repository
	logger zerolog.Logger
}

func NewDirectory(repo Repository, logger zerolog.Logger) *Directory {
	return &Directory{repo: repo, logger: logger}
}

func (d *Directory) PatientName(ctx context.Context, id int64) string {
	p, err := d.repo.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.Warn().Err(err).Int64("patient_id", id).Msg("patient lookup failed")
		}
		return Unknown
	}
	if name := p.DisplayName(); name != "" {
		return name
	}
	return Unknown
}
