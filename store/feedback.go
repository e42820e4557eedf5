package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Reactions returns the like and dislike counts of a program. Programs nobody reacted to have zero of both.
func (s *Store) Reactions(ctx context.Context, id string) (likes, dislikes int, err error) {
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT likes, dislikes FROM program_reactions WHERE program = $1`), id).Scan(&likes, &dislikes)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("querying reactions of %q: %w", id, err)
	}
	return likes, dislikes, nil
}

func (s *Store) Like(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO program_reactions (program, likes, dislikes) VALUES ($1, 1, 0)
		ON CONFLICT (program) DO UPDATE SET likes = program_reactions.likes + 1`), id)
	if err != nil {
		return fmt.Errorf("liking %q: %w", id, err)
	}
	s.log.Debugw("liked", "Program", id)
	return nil
}

func (s *Store) Dislike(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO program_reactions (program, likes, dislikes) VALUES ($1, 0, 1)
		ON CONFLICT (program) DO UPDATE SET dislikes = program_reactions.dislikes + 1`), id)
	if err != nil {
		return fmt.Errorf("disliking %q: %w", id, err)
	}
	s.log.Debugw("disliked", "Program", id)
	return nil
}

func (s *Store) AddComment(ctx context.Context, id, comment string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO program_comments (program, comment) VALUES ($1, $2)`), id, comment)
	if err != nil {
		return fmt.Errorf("adding comment to %q: %w", id, err)
	}
	s.log.Debugw("comment added", "Program", id, "Len", len(comment))
	return nil
}

// Comments returns the comments on a program, oldest first.
func (s *Store) Comments(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT comment FROM program_comments WHERE program = $1 ORDER BY created_at ASC, id ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("querying comments of %q: %w", id, err)
	}
	defer rows.Close()

	var comments []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading comments: %w", err)
	}
	return comments, nil
}
