// internal/model/page.go
package model

type Page struct {
	ID          int    `db:"id" json:"id"`
	WorkspaceID int    `db:"workspace_id" json:"workspace_id"`
	Name        string `db:"name" json:"name"`
	AccessToken string `db:"access_token" json:"-"`
}
