package file

import (
	"context"
	"encoding/json"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/repository"
)

// ResultRepoImpl writes the rows of a run to a JSON file.
type ResultRepoImpl struct {
	path string
}

func NewResultRepo(path string) *ResultRepoImpl {
	return &ResultRepoImpl{path: path}
}

type resultFile struct {
	Report entity.RunReport       `json:"report"`
	Rows   []repository.ResultRow `json:"rows"`
}

func (r *ResultRepoImpl) WriteResult(_ context.Context, report entity.RunReport, rows []repository.ResultRow) error {
	if rows == nil {
		rows = []repository.ResultRow{}
	}
	data, err := json.MarshalIndent(resultFile{Report: report, Rows: rows}, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(r.path, data)
}
