package pg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// ApplyDDL выполняет map[секция]sql. Ожидается idempotent DDL (create ... if not exists).
func ApplyDDL(ctx context.Context, db *DB, ddl map[string]string, log zerolog.Logger) error {
	// стабильно: по имени секции
	keys := make([]string, 0, len(ddl))
	for k := range ddl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	for _, k := range keys {
		sqlText := strings.TrimSpace(ddl[k])
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			// duplicate_object (42710), duplicate_table (42P07)
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && (pgErr.Code == "42710" || pgErr.Code == "42P07") {
				log.Info().Str("section", k).Str("constraint", pgErr.ConstraintName).
					Msgf("DDL skipped (already exists): %s", strings.TrimSpace(pgErr.Message))
				continue
			}
			// подстраховка по фразе (sqlite и прочее)
			e := strings.ToLower(err.Error())
			if strings.Contains(e, "already exists") || strings.Contains(e, "duplicate") {
				log.Info().Str("section", k).Err(err).Msg("DDL skipped (already exists)")
				continue
			}
			return fmt.Errorf("DDL apply failed (%s): %w", k, err)
		}
		log.Debug().Str("section", k).Msg("DDL applied")
	}
	return nil
}

// Migrate применяет встроенную схему для драйвера соединения.
func Migrate(ctx context.Context, db *DB, log zerolog.Logger) error {
	return ApplyDDL(ctx, db, DDL(db.Driver), log)
}
