package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"AgentHub-Chain/deploy/migrations"
	"AgentHub-Chain/pkg/logger"
)

const createSchemaTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

type migration struct {
	version    string
	name       string
	statements []string
}

// migrator 按文件名前缀的版本号顺序执行 *.sql 迁移，每个文件一个事务。
type migrator struct {
	db    *sql.DB
	files fs.FS
	now   func() time.Time
	log   *slog.Logger
}

func newMigrator(db *sql.DB, files fs.FS) *migrator {
	return &migrator{db: db, files: files, now: time.Now, log: logger.Named("mysql")}
}

func (s *SQLMessageRepository) runMigrations(ctx context.Context) error {
	_, err := newMigrator(s.db, migrations.Files).up(ctx)
	return err
}

// up 执行尚未记录在 schema_migrations 中的迁移，返回本次执行的版本。
func (m *migrator) up(ctx context.Context) ([]string, error) {
	if _, err := m.db.ExecContext(ctx, createSchemaTableSQL); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := loadMigrations(m.files)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, mg := range pending {
		if applied[mg.version] {
			continue
		}
		if err := m.apply(ctx, mg); err != nil {
			return ran, err
		}
		m.log.Info("已执行数据库迁移", slog.String("version", mg.version), slog.String("file", mg.name))
		ran = append(ran, mg.version)
	}
	return ran, nil
}

func (m *migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

func (m *migrator) apply(ctx context.Context, mg migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range mg.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", mg.name, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mg.version, m.now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本 %s 失败: %w", mg.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", mg.name, err)
	}
	return nil
}

func loadMigrations(files fs.FS) ([]migration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	list := make([]migration, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		version := migrationVersion(name)
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本号重复", name, prev)
		}
		seen[version] = name

		content, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		list = append(list, migration{version: version, name: name, statements: statements})
	}
	slices.SortFunc(list, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return list, nil
}

// splitStatements 去掉整行的 "--" 注释后按分号切分。语句内部不能出现分号。
func splitStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(name, ".sql")
	if idx := strings.IndexRune(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
