package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type (
	// EnvVar is one named value owned by a single user.
	EnvVar struct {
		Name      string    `json:"name"`
		Value     string    `json:"value"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

// EnvVars lists every variable of the user, ordered by name.
func (s *Store) EnvVars(ctx context.Context, userID int64) ([]EnvVar, error) {
	rows, err := s.db.QueryContext(ctx, `select name, value, created_at, updated_at
	from user_environment_variables where user_id = ? order by name asc`, userID)
	if err != nil {
		return nil, fmt.Errorf("unable to list variables of user %v, cause %w", userID, err)
	}
	defer rows.Close()
	out := []EnvVar{}
	for rows.Next() {
		var v EnvVar
		err = rows.Scan(&v.Name, &v.Value, &v.CreatedAt, &v.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("unable to scan variable of user %v, cause %w", userID, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to list variables of user %v, cause %w", userID, err)
	}
	return out, nil
}

// EnvVar returns the named variable or VarNotFound.
func (s *Store) EnvVar(ctx context.Context, userID int64, name string) (*EnvVar, error) {
	var v EnvVar
	err := s.db.QueryRowContext(ctx, `select name, value, created_at, updated_at
	from user_environment_variables where user_id = ? and name = ?`, userID, name).
		Scan(&v.Name, &v.Value, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, VarNotFound{Name: name}
	} else if err != nil {
		return nil, fmt.Errorf("unable to load variable %v of user %v, cause %w", name, userID, err)
	}
	return &v, nil
}

// SetEnvVar upserts the named variable. Setting an existing name
// replaces its value and bumps updated_at, it never duplicates rows.
func (s *Store) SetEnvVar(ctx context.Context, userID int64, name, value string) error {
	_, err := s.db.ExecContext(ctx, `insert into user_environment_variables (user_id, name, value) values (?, ?, ?)
	on conflict (user_id, name) do update set value = excluded.value, updated_at = current_timestamp`,
		userID, name, value)
	if err != nil {
		return fmt.Errorf("unable to set variable %v of user %v, cause %w", name, userID, err)
	}
	return nil
}

// DeleteEnvVar removes the named variable, VarNotFound when absent.
func (s *Store) DeleteEnvVar(ctx context.Context, userID int64, name string) error {
	res, err := s.db.ExecContext(ctx, `delete from user_environment_variables where user_id = ? and name = ?`,
		userID, name)
	if err != nil {
		return fmt.Errorf("unable to delete variable %v of user %v, cause %w", name, userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to delete variable %v of user %v, cause %w", name, userID, err)
	}
	if affected == 0 {
		return VarNotFound{Name: name}
	}
	return nil
}
