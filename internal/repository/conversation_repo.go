package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Conversation 会话与账号的绑定记录。
type Conversation struct {
	ID           string
	Name         string
	Model        string
	Source       string
	AccountIndex int
	TeamID       string
	SessionName  string
	ImageDir     string
	ImageCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActiveAt time.Time
}

// Message 会话中的一条消息。
type Message struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	Images         []string
	CreatedAt      time.Time
}

// conversationRepo 基于 SQLite 的会话存储。
type conversationRepo struct {
	db *sql.DB
}

// NewConversationRepo 创建会话仓库。
func NewConversationRepo(db *sql.DB) *conversationRepo {
	return &conversationRepo{db: db}
}

func tsToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func timeToTS(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

const conversationColumns = `id, name, model, source, account_index, team_id, session_name, image_dir, image_count, created_at, updated_at, last_active_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var created, updated, lastActive float64
	err := row.Scan(&c.ID, &c.Name, &c.Model, &c.Source, &c.AccountIndex, &c.TeamID,
		&c.SessionName, &c.ImageDir, &c.ImageCount, &created, &updated, &lastActive)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = tsToTime(created)
	c.UpdatedAt = tsToTime(updated)
	c.LastActiveAt = tsToTime(lastActive)
	return &c, nil
}

// Get 按 ID 查询会话，不存在返回 (nil, nil)。
func (r *conversationRepo) Get(ctx context.Context, id string) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// Create 插入新会话。
func (r *conversationRepo) Create(ctx context.Context, c *Conversation) error {
	now := timeToTS(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Model, c.Source, c.AccountIndex, c.TeamID,
		c.SessionName, c.ImageDir, c.ImageCount, now, now, now)
	if err != nil {
		return fmt.Errorf("create conversation %s: %w", c.ID, err)
	}
	return nil
}

// UpdateBinding 更新会话绑定的账号。clearSession 为 true 时同时清空会话名。
func (r *conversationRepo) UpdateBinding(ctx context.Context, id string, accountIndex int, teamID string, clearSession bool) error {
	now := timeToTS(time.Now())
	var err error
	if clearSession {
		_, err = r.db.ExecContext(ctx, `
			UPDATE conversations
			SET account_index = ?, team_id = ?, session_name = '', updated_at = ?, last_active_at = ?
			WHERE id = ?`, accountIndex, teamID, now, now, id)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE conversations
			SET account_index = ?, team_id = ?, updated_at = ?, last_active_at = ?
			WHERE id = ?`, accountIndex, teamID, now, now, id)
	}
	if err != nil {
		return fmt.Errorf("update binding %s: %w", id, err)
	}
	return nil
}

// UpdateSession 记录上游 session 名称。
func (r *conversationRepo) UpdateSession(ctx context.Context, id, sessionName string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE conversations SET session_name = ?, updated_at = ? WHERE id = ?",
		sessionName, timeToTS(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return nil
}

// AddMessage 追加消息并刷新会话活跃时间。
func (r *conversationRepo) AddMessage(ctx context.Context, convID, role, content string, images []string) error {
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return err
	}
	now := timeToTS(time.Now())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, role, content, images, created_at) VALUES (?, ?, ?, ?, ?)",
		convID, role, content, string(imagesJSON), now); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("add message to %s: %w", convID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ?, last_active_at = ? WHERE id = ?",
		now, now, convID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("touch conversation %s: %w", convID, err)
	}
	return tx.Commit()
}

// IncrementImageCount 记录会话新生成的一张图片。
func (r *conversationRepo) IncrementImageCount(ctx context.Context, convID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE conversations SET image_count = image_count + 1 WHERE id = ?", convID)
	return err
}

// Delete 删除会话（消息级联删除），返回图片目录供调用方清理。
func (r *conversationRepo) Delete(ctx context.Context, id string) (string, error) {
	var imageDir string
	err := r.db.QueryRowContext(ctx,
		"SELECT image_dir FROM conversations WHERE id = ?", id).Scan(&imageDir)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id); err != nil {
		return "", fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return imageDir, nil
}

// DeleteInactiveBefore 清理过期会话，返回被删会话的图片目录。
func (r *conversationRepo) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	cutoffTS := timeToTS(cutoff)
	rows, err := r.db.QueryContext(ctx,
		"SELECT image_dir FROM conversations WHERE last_active_at < ?", cutoffTS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dirs []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, err
		}
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM conversations WHERE last_active_at < ?", cutoffTS); err != nil {
		return nil, err
	}
	return dirs, nil
}

// List 返回全部会话，按更新时间倒序。
func (r *conversationRepo) List(ctx context.Context) ([]*Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Messages 返回会话的全部消息，按时间升序。
func (r *conversationRepo) Messages(ctx context.Context, convID string) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, images, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var imagesJSON string
		var created float64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &imagesJSON, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(imagesJSON), &m.Images); err != nil {
			m.Images = nil
		}
		m.CreatedAt = tsToTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}
