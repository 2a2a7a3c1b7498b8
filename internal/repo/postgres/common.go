package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
	"github.com/pipewright-labs/pipewright-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func encodeAmbiance(ambiance domain.Ambiance) ([]byte, error) {
	return json.Marshal(ambiance)
}

func decodeAmbiance(raw []byte) (domain.Ambiance, error) {
	if len(raw) == 0 {
		return domain.Ambiance{}, nil
	}
	var ambiance domain.Ambiance
	if err := json.Unmarshal(raw, &ambiance); err != nil {
		return domain.Ambiance{}, fmt.Errorf("decode ambiance: %w", err)
	}
	return ambiance, nil
}

func encodeInterruptHistories(effects []domain.InterruptEffect) ([]byte, error) {
	if effects == nil {
		effects = []domain.InterruptEffect{}
	}
	return json.Marshal(effects)
}

func decodeInterruptHistories(raw []byte) ([]domain.InterruptEffect, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var effects []domain.InterruptEffect
	if err := json.Unmarshal(raw, &effects); err != nil {
		return nil, fmt.Errorf("decode interrupt histories: %w", err)
	}
	return effects, nil
}

// placeholderList renders "$start, $start+1, ..." for n values.
func placeholderList(start, n int) string {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf("$%d", start+i))
	}
	return strings.Join(parts, ", ")
}

func statusArgs(statuses []domain.Status) []any {
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}
	return args
}
