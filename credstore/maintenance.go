package credstore

import (
	"context"
	"fmt"
)

// Clear wipes users, grants and environment variables. With keepAdmin
// the bootstrap account and its grants survive. Meant for operator
// tooling, nothing in the request path calls this.
func (s *Store) Clear(ctx context.Context, keepAdmin bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to start database cleanup, cause %w", err)
	}
	defer tx.Rollback()
	cmds := []string{
		`delete from user_environment_variables`,
		`delete from user_scopes`,
		`delete from users`,
	}
	if keepAdmin {
		cmds = []string{
			`delete from user_environment_variables where user_id not in (select user_id from users where username = 'admin')`,
			`delete from user_scopes where user_id not in (select user_id from users where username = 'admin')`,
			`delete from users where username <> 'admin'`,
		}
	}
	for _, cmd := range cmds {
		_, err := tx.ExecContext(ctx, cmd)
		if err != nil {
			return fmt.Errorf("unable to clean database, cause %w", err)
		}
	}
	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("unable to commit database cleanup, cause %w", err)
	}
	return nil
}
