// Package store 是持久层：账号、会话与玩家最后位置，基于 SQLite。
// 所有方法都可能阻塞在磁盘 I/O 上，只允许持久化工作协程调用。
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"trustno1/protocol"
)

var (
	ErrInvalidCredentials = errors.New("store: invalid username or password")
	ErrUsernameTaken      = errors.New("store: username already taken")
	ErrBanned             = errors.New("store: account banned")
	ErrSessionNotFound    = errors.New("store: session not found or expired")
	ErrInvalidPassword    = errors.New("store: password must be 1..72 bytes")
	ErrAccountNotFound    = errors.New("store: account not found")
)

const timeLayout = time.RFC3339Nano

// Account 账号记录
type Account struct {
	ID        uuid.UUID
	Username  string
	CreatedAt time.Time
	LastLogin time.Time
	Banned    bool
	BanReason string
}

// PlayerState 持久化的玩家状态
type PlayerState struct {
	PlayerID  uuid.UUID
	Position  protocol.Vec3
	Rotation  protocol.Quat
	Health    float64
	Online    bool
	UpdatedAt time.Time
}

type SQLite struct {
	db         *sql.DB
	sessionTTL time.Duration
	hashCost   int
	now        func() time.Time
}

// OpenSQLite 打开（或创建）数据库并初始化表结构
func OpenSQLite(path string, sessionTTL time.Duration) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &SQLite{
		db:         db,
		sessionTTL: sessionTTL,
		hashCost:   bcrypt.DefaultCost,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_login TEXT,
			is_banned INTEGER NOT NULL DEFAULT 0,
			ban_reason TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS player_states (
			player_id TEXT PRIMARY KEY REFERENCES players(id) ON DELETE CASCADE,
			position_x REAL NOT NULL DEFAULT 0,
			position_y REAL NOT NULL DEFAULT 1,
			position_z REAL NOT NULL DEFAULT 0,
			rotation_x REAL NOT NULL DEFAULT 0,
			rotation_y REAL NOT NULL DEFAULT 0,
			rotation_z REAL NOT NULL DEFAULT 0,
			rotation_w REAL NOT NULL DEFAULT 1,
			health REAL NOT NULL DEFAULT 100,
			is_online INTEGER NOT NULL DEFAULT 0,
			last_updated TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS player_sessions (
			session_token TEXT PRIMARY KEY,
			player_id TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			ip_address TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			ended_at TEXT,
			is_active INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_player ON player_sessions(player_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// CreateAccount 注册账号，同时创建初始玩家状态
func (s *SQLite) CreateAccount(ctx context.Context, username, password string) (uuid.UUID, error) {
	if len(password) == 0 || len(password) > 72 {
		return uuid.Nil, ErrInvalidPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return uuid.Nil, fmt.Errorf("hash password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM players WHERE username = ?`, username).Scan(&exists)
	switch {
	case err == nil:
		return uuid.Nil, ErrUsernameTaken
	case !errors.Is(err, sql.ErrNoRows):
		return uuid.Nil, err
	}

	id := uuid.New()
	now := s.now().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO players (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		id.String(), username, string(hash), now); err != nil {
		return uuid.Nil, fmt.Errorf("insert player: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO player_states (player_id, last_updated) VALUES (?, ?)`,
		id.String(), now); err != nil {
		return uuid.Nil, fmt.Errorf("insert player state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// VerifyCredentials 校验用户名密码，成功时更新 last_login
func (s *SQLite) VerifyCredentials(ctx context.Context, username, password string) (Account, error) {
	var (
		acc       Account
		id        string
		hash      string
		created   string
		lastLogin sql.NullString
		banned    int
		banReason sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, last_login, is_banned, ban_reason
		   FROM players WHERE username = ?`, username).
		Scan(&id, &acc.Username, &hash, &created, &lastLogin, &banned, &banReason)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Account{}, ErrInvalidCredentials
	}
	if acc.ID, err = uuid.Parse(id); err != nil {
		return Account{}, fmt.Errorf("corrupt player id %q: %w", id, err)
	}
	acc.CreatedAt, _ = time.Parse(timeLayout, created)
	acc.Banned = banned != 0
	acc.BanReason = banReason.String
	if acc.Banned {
		return acc, fmt.Errorf("%w: %s", ErrBanned, acc.BanReason)
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE players SET last_login = ? WHERE id = ?`, now.Format(timeLayout), id); err != nil {
		return acc, fmt.Errorf("update last_login: %w", err)
	}
	acc.LastLogin = now
	return acc, nil
}

// Ban 封禁账号并结束其全部活跃会话，已封禁时再次调用只更新原因
func (s *SQLite) Ban(ctx context.Context, username, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM players WHERE username = ?`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ban %q: %w", username, ErrAccountNotFound)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE players SET is_banned = 1, ban_reason = ? WHERE id = ?`, reason, id); err != nil {
		return fmt.Errorf("ban %q: %w", username, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE player_sessions SET ended_at = ?, is_active = 0
		  WHERE player_id = ? AND is_active = 1`,
		s.now().Format(timeLayout), id); err != nil {
		return fmt.Errorf("end sessions of %q: %w", username, err)
	}
	return tx.Commit()
}

// LoadPosition 读取玩家最后保存的状态
func (s *SQLite) LoadPosition(ctx context.Context, playerID uuid.UUID) (PlayerState, bool, error) {
	st := PlayerState{PlayerID: playerID}
	var (
		online  int
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT position_x, position_y, position_z,
		        rotation_x, rotation_y, rotation_z, rotation_w,
		        health, is_online, last_updated
		   FROM player_states WHERE player_id = ?`, playerID.String()).
		Scan(&st.Position.X, &st.Position.Y, &st.Position.Z,
			&st.Rotation.X, &st.Rotation.Y, &st.Rotation.Z, &st.Rotation.W,
			&st.Health, &online, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return PlayerState{}, false, nil
	}
	if err != nil {
		return PlayerState{}, false, err
	}
	st.Online = online != 0
	st.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return st, true, nil
}

// SavePosition 覆盖写入玩家状态（按玩家 last-write-wins，重复写入幂等）
func (s *SQLite) SavePosition(ctx context.Context, st PlayerState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO player_states (player_id, position_x, position_y, position_z,
			rotation_x, rotation_y, rotation_z, rotation_w, health, is_online, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			position_x = excluded.position_x,
			position_y = excluded.position_y,
			position_z = excluded.position_z,
			rotation_x = excluded.rotation_x,
			rotation_y = excluded.rotation_y,
			rotation_z = excluded.rotation_z,
			rotation_w = excluded.rotation_w,
			health = excluded.health,
			is_online = excluded.is_online,
			last_updated = excluded.last_updated`,
		st.PlayerID.String(),
		st.Position.X, st.Position.Y, st.Position.Z,
		st.Rotation.X, st.Rotation.Y, st.Rotation.Z, st.Rotation.W,
		st.Health, boolInt(st.Online), s.now().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save position %s: %w", st.PlayerID, err)
	}
	return nil
}

// SetOnline 标记玩家在线状态
func (s *SQLite) SetOnline(ctx context.Context, playerID uuid.UUID, online bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE player_states SET is_online = ?, last_updated = ? WHERE player_id = ?`,
		boolInt(online), s.now().Format(timeLayout), playerID.String())
	return err
}

// CreateSession 创建会话并返回令牌
func (s *SQLite) CreateSession(ctx context.Context, playerID uuid.UUID, addr string) (string, error) {
	token, err := NewSessionToken()
	if err != nil {
		return "", err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO player_sessions (session_token, player_id, ip_address, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		token, playerID.String(), addr, now.Format(timeLayout), now.Add(s.sessionTTL).Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// ValidateSession 校验令牌，返回所属玩家
func (s *SQLite) ValidateSession(ctx context.Context, token string) (uuid.UUID, error) {
	var (
		id      string
		expires string
		active  int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT player_id, expires_at, is_active FROM player_sessions WHERE session_token = ?`, token).
		Scan(&id, &expires, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrSessionNotFound
	}
	if err != nil {
		return uuid.Nil, err
	}
	exp, err := time.Parse(timeLayout, expires)
	if err != nil || active == 0 || !s.now().Before(exp) {
		return uuid.Nil, ErrSessionNotFound
	}
	return uuid.Parse(id)
}

// EndSession 结束会话，重复调用无副作用
func (s *SQLite) EndSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE player_sessions SET ended_at = ?, is_active = 0
		  WHERE session_token = ? AND is_active = 1`,
		s.now().Format(timeLayout), token)
	return err
}

// Username 查询玩家用户名
func (s *SQLite) Username(ctx context.Context, playerID uuid.UUID) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT username FROM players WHERE id = ?`, playerID.String()).Scan(&name)
	return name, err
}

const tokenChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewSessionToken 生成 32 位字母数字会话令牌
func NewSessionToken() (string, error) {
	b := make([]byte, 32)
	max := big.NewInt(int64(len(tokenChars)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = tokenChars[idx.Int64()]
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
