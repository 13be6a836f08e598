package repository

import (
	"database/sql"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
)

type PageRepositoryInterface interface {
	GetByID(id int) (*model.Page, error)
}

type PageRepository struct {
	DB *sql.DB
}

func (r *PageRepository) GetByID(id int) (*model.Page, error) {
	query := `SELECT id, workspace_id, name, access_token FROM pages WHERE id=$1`
	var p model.Page
	err := r.DB.QueryRow(query, id).Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.AccessToken)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("page", id)
		}
		return nil, err
	}
	return &p, nil
}

var _ PageRepositoryInterface = (*PageRepository)(nil)
