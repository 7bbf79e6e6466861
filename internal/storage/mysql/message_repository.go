package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"AgentHub-Chain/internal/conversation"
)

const (
	messagesFile = "messages.log"
	receiptsFile = "receipts.log"

	// compactEvery 是两次重写日志文件之间允许追加的行数。
	compactEvery = 1024
)

// MemoryMessageRepository 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type MemoryMessageRepository struct {
	mu           sync.RWMutex
	dataDir      string
	historyLimit int
	messages     map[string][]conversation.Message
	receipts     map[string][]conversation.Receipt

	pendingMessages int
	pendingReceipts int
}

// NewMemoryMessageRepository 创建文件仓库，并从数据目录恢复已有记录。
func NewMemoryMessageRepository(dataDir string, historyLimit int) (*MemoryMessageRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryMessageRepository{
		dataDir:      dataDir,
		historyLimit: historyLimit,
		messages:     make(map[string][]conversation.Message),
		receipts:     make(map[string][]conversation.Receipt),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 以追加写的方式记录消息，并裁剪超出上限的旧消息。
func (m *MemoryMessageRepository) Append(_ context.Context, msg conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := appendLine(filepath.Join(m.dataDir, messagesFile), msg); err != nil {
		return err
	}
	m.messages[msg.UserID] = trimMessages(append(m.messages[msg.UserID], msg), m.historyLimit)
	if m.pendingMessages++; m.pendingMessages >= compactEvery {
		return m.compactMessages()
	}
	return nil
}

// ListLatest 返回用户最近的消息，按时间正序排列。
func (m *MemoryMessageRepository) ListLatest(_ context.Context, userID string, limit int) ([]conversation.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := conversation.Tail(m.messages[userID], limit)
	results := make([]conversation.Message, len(stored))
	copy(results, stored)
	return results, nil
}

// SaveReceipt 记录归档回执。
func (m *MemoryMessageRepository) SaveReceipt(_ context.Context, receipt conversation.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := appendLine(filepath.Join(m.dataDir, receiptsFile), receipt); err != nil {
		return err
	}
	list := append(m.receipts[receipt.UserID], receipt)
	if len(list) > m.historyLimit {
		list = list[len(list)-m.historyLimit:]
	}
	m.receipts[receipt.UserID] = list
	if m.pendingReceipts++; m.pendingReceipts >= compactEvery {
		return m.compactReceipts()
	}
	return nil
}

// ListReceipts 返回用户最近的归档回执，按时间倒序排列。
func (m *MemoryMessageRepository) ListReceipts(_ context.Context, userID string, limit int) ([]conversation.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.receipts[userID]
	if limit <= 0 || limit > len(stored) {
		limit = len(stored)
	}
	results := make([]conversation.Receipt, 0, limit)
	for i := len(stored) - 1; i >= 0 && len(results) < limit; i-- {
		results = append(results, stored[i])
	}
	return results, nil
}

// Ping 检查数据目录是否可写。
func (m *MemoryMessageRepository) Ping(_ context.Context) error {
	info, err := os.Stat(m.dataDir)
	if err != nil {
		return fmt.Errorf("数据目录不可用: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s 不是目录", m.dataDir)
	}
	return nil
}

// Close 满足存储生命周期约定。
func (m *MemoryMessageRepository) Close() error { return nil }

func (m *MemoryMessageRepository) loadFromDisk() error {
	err := scanLines(filepath.Join(m.dataDir, messagesFile), func(line []byte) {
		var msg conversation.Message
		if json.Unmarshal(line, &msg) != nil {
			return
		}
		m.messages[msg.UserID] = append(m.messages[msg.UserID], msg)
	})
	if err != nil {
		return err
	}
	for user, list := range m.messages {
		m.messages[user] = trimMessages(list, m.historyLimit)
	}

	err = scanLines(filepath.Join(m.dataDir, receiptsFile), func(line []byte) {
		var receipt conversation.Receipt
		if json.Unmarshal(line, &receipt) != nil {
			return
		}
		m.receipts[receipt.UserID] = append(m.receipts[receipt.UserID], receipt)
	})
	if err != nil {
		return err
	}
	for user, list := range m.receipts {
		if len(list) > m.historyLimit {
			m.receipts[user] = slices.Clone(list[len(list)-m.historyLimit:])
		}
	}

	// 启动时把日志重写为裁剪后的窗口，文件大小不会随运行时间无限增长。
	if err := m.compactMessages(); err != nil {
		return err
	}
	return m.compactReceipts()
}

func (m *MemoryMessageRepository) compactMessages() error {
	var all []conversation.Message
	for _, user := range slices.Sorted(maps.Keys(m.messages)) {
		all = append(all, m.messages[user]...)
	}
	if err := rewriteLines(filepath.Join(m.dataDir, messagesFile), all); err != nil {
		return err
	}
	m.pendingMessages = 0
	return nil
}

func (m *MemoryMessageRepository) compactReceipts() error {
	var all []conversation.Receipt
	for _, user := range slices.Sorted(maps.Keys(m.receipts)) {
		all = append(all, m.receipts[user]...)
	}
	if err := rewriteLines(filepath.Join(m.dataDir, receiptsFile), all); err != nil {
		return err
	}
	m.pendingReceipts = 0
	return nil
}

func trimMessages(list []conversation.Message, limit int) []conversation.Message {
	if len(list) <= limit {
		return list
	}
	trimmed := make([]conversation.Message, limit)
	copy(trimmed, list[len(list)-limit:])
	return trimmed
}

func appendLine(path string, value any) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入日志文件失败: %w", err)
	}
	return nil
}

// rewriteLines 先写临时文件再改名，中途失败不会破坏原文件。
func rewriteLines[T any](path string, values []T) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	writer := bufio.NewWriter(tmp)
	encoder := json.NewEncoder(writer)
	for _, v := range values {
		if err := encoder.Encode(v); err != nil {
			tmp.Close()
			return fmt.Errorf("序列化记录失败: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("替换日志文件失败: %w", err)
	}
	return nil
}

func scanLines(path string, fn func(line []byte)) error {
	file, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取日志文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		fn(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析日志文件失败: %w", err)
	}
	return nil
}

// SQLMessageRepository 使用 MySQL 存储对话消息与归档回执。
type SQLMessageRepository struct {
	db           *sql.DB
	historyLimit int
}

// NewSQLMessageRepository 创建连接池并执行内置迁移。
func NewSQLMessageRepository(ctx context.Context, cfg Config) (*SQLMessageRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := newSQLMessageRepository(db, cfg.HistoryLimit)
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func newSQLMessageRepository(db *sql.DB, historyLimit int) *SQLMessageRepository {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &SQLMessageRepository{db: db, historyLimit: historyLimit}
}

const (
	insertMessageSQL = `INSERT INTO conversation_messages
    (message_id, user_id, agent_id, kind, body, confidence, sources, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	trimMessagesSQL = `DELETE FROM conversation_messages
    WHERE user_id = ? AND id < (
        SELECT min_id FROM (
            SELECT MIN(id) AS min_id FROM (
                SELECT id FROM conversation_messages WHERE user_id = ? ORDER BY id DESC LIMIT ?
            ) AS latest
        ) AS bound
    )`

	listMessagesSQL = `SELECT message_id, user_id, agent_id, kind, body, confidence, sources, created_at
    FROM conversation_messages WHERE user_id = ? ORDER BY id DESC LIMIT ?`

	insertReceiptSQL = `INSERT INTO archive_receipts
    (interaction_id, user_id, agent_id, cid, url, created_at)
    VALUES (?, ?, ?, ?, ?, ?)`

	listReceiptsSQL = `SELECT interaction_id, user_id, agent_id, cid, url, created_at
    FROM archive_receipts WHERE user_id = ? ORDER BY id DESC LIMIT ?`
)

// Append 在事务内写入消息并裁剪超出上限的旧消息。
func (s *SQLMessageRepository) Append(ctx context.Context, msg conversation.Message) error {
	var confidence sql.NullFloat64
	if msg.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *msg.Confidence, Valid: true}
	}
	var sources sql.NullString
	if len(msg.Sources) > 0 {
		sources = sql.NullString{String: strings.Join(msg.Sources, "\n"), Valid: true}
	}
	kind := msg.Kind
	if kind == "" {
		kind = conversation.KindText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertMessageSQL,
		msg.ID,
		msg.UserID,
		msg.AgentID,
		string(kind),
		msg.Body,
		confidence,
		sources,
		msg.CreatedAt.UnixMilli(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("写入消息失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, trimMessagesSQL, msg.UserID, msg.UserID, s.historyLimit); err != nil {
		tx.Rollback()
		return fmt.Errorf("裁剪历史消息失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// ListLatest 查询用户最近的若干条消息，按时间正序返回。
func (s *SQLMessageRepository) ListLatest(ctx context.Context, userID string, limit int) ([]conversation.Message, error) {
	if limit <= 0 {
		limit = conversation.PromptWindow
	}

	rows, err := s.db.QueryContext(ctx, listMessagesSQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询消息失败: %w", err)
	}
	defer rows.Close()

	var newestFirst []conversation.Message
	for rows.Next() {
		var (
			msg        conversation.Message
			kind       string
			confidence sql.NullFloat64
			sources    sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.AgentID, &kind, &msg.Body, &confidence, &sources, &createdAt); err != nil {
			return nil, fmt.Errorf("解析消息失败: %w", err)
		}
		msg.Kind = conversation.Kind(kind)
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		if confidence.Valid {
			v := confidence.Float64
			msg.Confidence = &v
		}
		if sources.Valid && sources.String != "" {
			msg.Sources = strings.Split(sources.String, "\n")
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历消息失败: %w", err)
	}

	results := make([]conversation.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		results = append(results, newestFirst[i])
	}
	return results, nil
}

// SaveReceipt 写入归档回执。
func (s *SQLMessageRepository) SaveReceipt(ctx context.Context, receipt conversation.Receipt) error {
	if _, err := s.db.ExecContext(ctx, insertReceiptSQL,
		receipt.InteractionID,
		receipt.UserID,
		receipt.AgentID,
		receipt.CID,
		receipt.URL,
		receipt.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入归档回执失败: %w", err)
	}
	return nil
}

// ListReceipts 查询用户最近的归档回执，按时间倒序返回。
func (s *SQLMessageRepository) ListReceipts(ctx context.Context, userID string, limit int) ([]conversation.Receipt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, listReceiptsSQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询归档回执失败: %w", err)
	}
	defer rows.Close()

	var receipts []conversation.Receipt
	for rows.Next() {
		var (
			receipt   conversation.Receipt
			createdAt int64
		)
		if err := rows.Scan(&receipt.InteractionID, &receipt.UserID, &receipt.AgentID, &receipt.CID, &receipt.URL, &createdAt); err != nil {
			return nil, fmt.Errorf("解析归档回执失败: %w", err)
		}
		receipt.CreatedAt = time.UnixMilli(createdAt).UTC()
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历归档回执失败: %w", err)
	}
	return receipts, nil
}

// Ping 检查数据库连通性。
func (s *SQLMessageRepository) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭底层数据库连接。
func (s *SQLMessageRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
