package models

// Account model for the credential store (not shared with the provider API).
type Account struct {
	ID            string `db:"id" json:"id"`
	Credentials   string `db:"credentials" json:"credentials"`
	SessionHandle string `db:"session_handle" json:"session_handle"`
}
