package postgres

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Миграции применяются под advisory lock: параллельный старт инстансов
// с AutoMigrate не выполняет одну и ту же миграцию дважды.
const (
	migrationsDir    = "sql/migrations"
	migrationLockKey = int64(0x6f726473766331)

	schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

var migrationFileRe = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

type migration struct {
	version int64
	name    string
	up      string
	down    string
}

func (m migration) String() string {
	return strconv.FormatInt(m.version, 10) + "_" + m.name
}

// checksum фиксирует текст up-миграции, чтобы заметить её правку после применения.
func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.up))
	return hex.EncodeToString(sum[:])
}

type appliedMigration struct {
	version  int64
	checksum string
}

// MigrateUp применяет steps ещё не применённых миграций; 0 означает все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *pgxpool.Conn, all []migration) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		pending, err := planUp(all, applied, steps)
		if err != nil {
			return err
		}
		for _, m := range pending {
			if err := runMigration(ctx, conn, m.up,
				`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
				m.version, m.name, m.checksum(),
			); err != nil {
				return errors.Wrapf(err, "up %s", m)
			}
		}
		return nil
	})
}

// MigrateDown откатывает steps последних миграций; steps <= 0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *pgxpool.Conn, all []migration) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		rollback, err := planDown(all, applied, steps)
		if err != nil {
			return err
		}
		for _, m := range rollback {
			if err := runMigration(ctx, conn, m.down,
				`DELETE FROM schema_migrations WHERE version = $1`, m.version,
			); err != nil {
				return errors.Wrapf(err, "down %s", m)
			}
		}
		return nil
	})
}

// MigrationStatus возвращает последнюю применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.pool == nil {
		return 0, 0, errStoreNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, schemaMigrationsDDL); err != nil {
		return 0, 0, errors.Wrap(err, "ensure schema_migrations")
	}
	var (
		version int64
		count   int
	)
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`).Scan(&version, &count)
	if err != nil {
		return 0, 0, errors.Wrap(err, "query migration status")
	}
	return version, count, nil
}

func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *pgxpool.Conn, all []migration) error) error {
	if s == nil || s.pool == nil {
		return errStoreNotInitialized
	}

	all, err := loadMigrations(migrationsFS, migrationsDir)
	if err != nil {
		return err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection")
	}
	defer conn.Release()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.Exec(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return errors.Wrap(err, "acquire migration lock")
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.Exec(ctx, schemaMigrationsDDL); err != nil {
		return errors.Wrap(err, "ensure schema_migrations")
	}
	return fn(conn, all)
}

// runMigration выполняет тело миграции и учётную запись одной транзакцией.
func runMigration(ctx context.Context, conn *pgxpool.Conn, body, bookkeeping string, args ...any) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, body); err != nil {
			return errors.Wrap(err, "execute")
		}
		if _, err := tx.Exec(ctx, bookkeeping, args...); err != nil {
			return errors.Wrap(err, "record")
		}
		return nil
	})
}

func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) ([]appliedMigration, error) {
	rows, err := conn.Query(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errors.Wrap(err, "query applied migrations")
	}
	applied, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (appliedMigration, error) {
		var a appliedMigration
		err := row.Scan(&a.version, &a.checksum)
		return a, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan applied migrations")
	}
	return applied, nil
}

// planUp выбирает неприменённые миграции по возрастанию версии.
// Применённая миграция с другим текстом считается ошибкой.
func planUp(all []migration, applied []appliedMigration, steps int) ([]migration, error) {
	done := make(map[int64]string, len(applied))
	for _, a := range applied {
		done[a.version] = a.checksum
	}

	var pending []migration
	for _, m := range all {
		sum, ok := done[m.version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if sum != m.checksum() {
			return nil, errors.Errorf("migration %s was modified after it was applied", m)
		}
	}
	if steps > 0 && len(pending) > steps {
		pending = pending[:steps]
	}
	return pending, nil
}

// planDown выбирает последние steps применённых миграций по убыванию версии.
func planDown(all []migration, applied []appliedMigration, steps int) ([]migration, error) {
	byVersion := make(map[int64]migration, len(all))
	for _, m := range all {
		byVersion[m.version] = m
	}

	var rollback []migration
	for i := len(applied) - 1; i >= 0 && len(rollback) < steps; i-- {
		m, ok := byVersion[applied[i].version]
		if !ok {
			return nil, errors.Errorf("cannot roll back unknown migration version %d", applied[i].version)
		}
		rollback = append(rollback, m)
	}
	return rollback, nil
}

// loadMigrations собирает пары up/down из каталога dir и сортирует их по версии.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := migrationFileRe.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, errors.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse version of %s", entry.Name())
		}

		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", entry.Name())
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, errors.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{version: version, name: parts[2]}
			byVersion[version] = m
		}
		if m.name != parts[2] {
			return nil, errors.Errorf("migration %d has two names: %s and %s", version, m.name, parts[2])
		}

		target := &m.up
		if parts[3] == "down" {
			target = &m.down
		}
		if *target != "" {
			return nil, errors.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	all := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, errors.Errorf("migration %s must have both up and down files", m)
		}
		all = append(all, *m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].version < all[j].version })
	return all, nil
}
