// Package credstore persists user records, scope grants and per-user
// environment variables on a single sqlite database.
//
// Every storage error is translated at this boundary: callers only ever
// see the typed errors from errors.go or a wrapped storage failure,
// never a raw driver error.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/andrebq/gatekeeper/scopes"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

type (
	// Store controls access to the credential database.
	Store struct {
		db      *sql.DB
		catalog scopes.Catalog
	}

	// User is one registered account, without its password hash.
	User struct {
		ID        int64     `json:"id"`
		Username  string    `json:"username"`
		Email     string    `json:"email"`
		IsActive  bool      `json:"is_active"`
		Role      string    `json:"role"`
		CreatedAt time.Time `json:"created_at"`
	}

	// UserWithScopes is a user plus the scopes granted at read time.
	UserWithScopes struct {
		User
		Scopes []string `json:"available_scopes"`
	}
)

// Credentials of the account seeded on first initialization.
const (
	BootstrapUsername = "admin"
	BootstrapEmail    = "admin@example.com"
	BootstrapPassword = "admin123"
)

func openDatabase(ctx context.Context, path string) (*sql.DB, error) {
	connstr := fmt.Sprintf("file:%v?_journal=wal&_fk=on&mode=rwc", path)
	conn, err := sql.Open("sqlite3", connstr)
	if err != nil {
		return nil, fmt.Errorf("unable to open %v, cause %w", path, err)
	}
	err = conn.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to ping credential database %v, cause %w", path, err)
	}
	return conn, nil
}

// Open loads the credential database at path, creating the schema and
// the bootstrap admin when they do not exist yet. Grants are validated
// against the given catalog.
func Open(ctx context.Context, path string, catalog scopes.Catalog) (*Store, error) {
	conn, err := openDatabase(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: conn, catalog: catalog}
	err = s.init(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to init credential database %v, cause %w", path, err)
	}
	err = s.bootstrap(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to seed credential database %v, cause %w", path, err)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser registers a new account and grants it the default scope
// set in the same transaction: either both land or neither does.
// Returns Conflict when username or email is taken.
func (s *Store) CreateUser(ctx context.Context, username, email, password string) (int64, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return 0, fmt.Errorf("unable to hash password for %v, cause %w", username, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("unable to start registration of %v, cause %w", username, err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `insert into users (username, email, password_hash) values (?, ?, ?)`,
		username, email, hash)
	if isConstraintViolation(err) {
		return 0, Conflict{Username: username, Email: email}
	} else if err != nil {
		return 0, fmt.Errorf("unable to register %v, cause %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("unable to read id of new user %v, cause %w", username, err)
	}
	for _, scope := range scopes.DefaultGrants() {
		_, err = tx.ExecContext(ctx, `insert into user_scopes (user_id, scope, granted_by) values (?, ?, 'system')`,
			id, scope)
		if err != nil {
			return 0, fmt.Errorf("unable to grant default scopes to %v, cause %w", username, err)
		}
	}
	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("unable to commit registration of %v, cause %w", username, err)
	}
	return id, nil
}

// Authenticate verifies username and password against the stored hash.
// A missing user and a wrong password return the same AuthFailure.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*UserWithScopes, error) {
	var u User
	var hash string
	var active int
	err := s.db.QueryRowContext(ctx, `select user_id, username, email, password_hash, is_active, role, created_at
	from users where username = ?`, username).
		Scan(&u.ID, &u.Username, &u.Email, &hash, &active, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, AuthFailure{}
	} else if err != nil {
		return nil, fmt.Errorf("unable to load user %v, cause %w", username, err)
	}
	if !verifyPassword(password, hash) {
		return nil, AuthFailure{}
	}
	u.IsActive = active != 0
	held, err := s.scopesOf(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &UserWithScopes{User: u, Scopes: held}, nil
}

// UserByUsername returns the user and its live scope grants.
func (s *Store) UserByUsername(ctx context.Context, username string) (*UserWithScopes, error) {
	return s.userBy(ctx, `username = ?`, username, UserNotFound{Username: username})
}

// UserByID returns the user and its live scope grants.
func (s *Store) UserByID(ctx context.Context, id int64) (*UserWithScopes, error) {
	return s.userBy(ctx, `user_id = ?`, id, UserNotFound{ID: id})
}

func (s *Store) userBy(ctx context.Context, cond string, arg interface{}, missing UserNotFound) (*UserWithScopes, error) {
	var u User
	var active int
	err := s.db.QueryRowContext(ctx, `select user_id, username, email, is_active, role, created_at
	from users where `+cond, arg).
		Scan(&u.ID, &u.Username, &u.Email, &active, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, missing
	} else if err != nil {
		return nil, fmt.Errorf("unable to load user, cause %w", err)
	}
	u.IsActive = active != 0
	held, err := s.scopesOf(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &UserWithScopes{User: u, Scopes: held}, nil
}

// GrantScope records that the user holds the given scope. Granting a
// scope the user already holds refreshes granted_by and granted_at
// instead of duplicating the row.
func (s *Store) GrantScope(ctx context.Context, userID int64, scope, grantedBy string) error {
	if !s.catalog.Valid(scope) {
		return InvalidScope{Scope: scope}
	}
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from users where user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return UserNotFound{ID: userID}
	} else if err != nil {
		return fmt.Errorf("unable to check user %v, cause %w", userID, err)
	}
	_, err = s.db.ExecContext(ctx, `insert into user_scopes (user_id, scope, granted_by) values (?, ?, ?)
	on conflict (user_id, scope) do update set granted_by = excluded.granted_by, granted_at = current_timestamp`,
		userID, scope, grantedBy)
	if err != nil {
		return fmt.Errorf("unable to grant %v to user %v, cause %w", scope, userID, err)
	}
	return nil
}

// RevokeScope removes a grant. Revoking a scope the user does not hold
// is a no-op success, deletes are idempotent.
func (s *Store) RevokeScope(ctx context.Context, userID int64, scope string) error {
	_, err := s.db.ExecContext(ctx, `delete from user_scopes where user_id = ? and scope = ?`, userID, scope)
	if err != nil {
		return fmt.Errorf("unable to revoke %v from user %v, cause %w", scope, userID, err)
	}
	return nil
}

// ListUsersWithScopes returns every user with its grants, ordered by id.
func (s *Store) ListUsersWithScopes(ctx context.Context) ([]UserWithScopes, error) {
	rows, err := s.db.QueryContext(ctx, `select u.user_id, u.username, u.email, u.is_active, u.role, u.created_at,
		coalesce(group_concat(us.scope), '')
	from users u
	left join user_scopes us on us.user_id = u.user_id
	group by u.user_id
	order by u.user_id asc`)
	if err != nil {
		return nil, fmt.Errorf("unable to list users, cause %w", err)
	}
	defer rows.Close()
	var out []UserWithScopes
	for rows.Next() {
		var u UserWithScopes
		var active int
		var joined string
		err = rows.Scan(&u.ID, &u.Username, &u.Email, &active, &u.Role, &u.CreatedAt, &joined)
		if err != nil {
			return nil, fmt.Errorf("unable to scan user listing, cause %w", err)
		}
		u.IsActive = active != 0
		u.Scopes = splitScopes(joined)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to list users, cause %w", err)
	}
	return out, nil
}

func (s *Store) scopesOf(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select scope from user_scopes where user_id = ? order by scope asc`, userID)
	if err != nil {
		return nil, fmt.Errorf("unable to load scopes of user %v, cause %w", userID, err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var scope string
		err = rows.Scan(&scope)
		if err != nil {
			return nil, fmt.Errorf("unable to scan scope of user %v, cause %w", userID, err)
		}
		out = append(out, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to load scopes of user %v, cause %w", userID, err)
	}
	return out, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, cmd := range []string{
		`create table if not exists users(
			user_id integer primary key autoincrement,
			username text not null unique,
			email text not null unique,
			password_hash text not null,
			is_active integer not null default 1,
			role text not null default 'user',
			created_at timestamp not null default current_timestamp
		)`,
		`create table if not exists user_scopes(
			user_id integer not null,
			scope text not null,
			granted_at timestamp not null default current_timestamp,
			granted_by text not null default 'system',
			primary key (user_id, scope),
			foreign key (user_id) references users(user_id)
		)`,
		`create table if not exists user_environment_variables(
			user_id integer not null,
			name text not null,
			value text not null,
			created_at timestamp not null default current_timestamp,
			updated_at timestamp not null default current_timestamp,
			primary key (user_id, name),
			foreign key (user_id) references users(user_id)
		)`,
	} {
		_, err := s.db.ExecContext(ctx, cmd)
		if err != nil {
			return err
		}
	}
	return nil
}

// bootstrap seeds the admin account with every catalog scope. Two
// instances racing over a fresh database both try the insert, the
// loser hits the unique constraint and treats it as done.
func (s *Store) bootstrap(ctx context.Context) error {
	var count int
	err := s.db.QueryRowContext(ctx, `select count(*) from users where username = ?`, BootstrapUsername).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	hash, err := hashPassword(BootstrapPassword)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `insert into users (username, email, password_hash, role) values (?, ?, ?, 'admin')`,
		BootstrapUsername, BootstrapEmail, hash)
	if isConstraintViolation(err) {
		return nil
	} else if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, scope := range s.catalog.Names() {
		_, err = tx.ExecContext(ctx, `insert into user_scopes (user_id, scope, granted_by) values (?, ?, 'system')`,
			id, scope)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

func splitScopes(joined string) []string {
	if joined == "" {
		return []string{}
	}
	out := strings.Split(joined, ",")
	sort.Strings(out)
	return out
}
