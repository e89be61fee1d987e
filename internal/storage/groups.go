package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/SirClappington/mailq/internal/domain"
)

const uniqueViolation = "23505"

// CreateGroup stores a named recipient list for the producer to expand.
func (s *Store) CreateGroup(ctx context.Context, name string, emails []string) error {
	_, err := s.db.Exec(ctx, `insert into email_groups(name, emails) values ($1, $2)`, name, emails)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrGroupExists
	}
	return errors.Wrap(err, "create group")
}

func (s *Store) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `select name from email_groups order by name`)
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return names, errors.Wrap(err, "list groups")
}

// GroupEmails resolves a group name to its current addresses.
func (s *Store) GroupEmails(ctx context.Context, name string) ([]string, error) {
	var emails []string
	err := s.db.QueryRow(ctx, `select emails from email_groups where name = $1`, name).Scan(&emails)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrGroupNotFound
	}
	return emails, errors.Wrap(err, "group emails")
}
