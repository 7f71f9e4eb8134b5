package repository

import (
	"context"

	"github.com/user/event-pipeline/internal/entity"
)

type NotifyLevel string

const (
	NotifyInfo     NotifyLevel = "info"
	NotifyProgress NotifyLevel = "progress"
	NotifySuccess  NotifyLevel = "success"
	NotifyCritical NotifyLevel = "critical"
)

// NotifierRepository delivers run status text to operators.
type NotifierRepository interface {
	Notify(ctx context.Context, level NotifyLevel, text string) error
}

// ResultRepository stores the rows a run published, for offline inspection.
type ResultRepository interface {
	WriteResult(ctx context.Context, report entity.RunReport, rows []ResultRow) error
}

// ResultRow is one published row with the changes that made it eligible.
type ResultRow struct {
	Hash    string                `json:"hash"`
	Kind    string                `json:"kind"`
	Row     *entity.ExtractedRow  `json:"row"`
	Changes []entity.ChangeRecord `json:"changes,omitempty"`
}
