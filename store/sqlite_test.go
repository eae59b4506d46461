package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"trustno1/protocol"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tn1.db"), time.Hour)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	s.hashCost = bcrypt.MinCost
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAccountAndVerify(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.CreateAccount(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if id == uuid.Nil {
		t.Fatalf("expected non-nil id")
	}
	if _, err := s.CreateAccount(ctx, "alice", "other"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}

	acc, err := s.VerifyCredentials(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if acc.ID != id || acc.Username != "alice" || acc.LastLogin.IsZero() {
		t.Fatalf("unexpected account %+v", acc)
	}
	if _, err := s.VerifyCredentials(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := s.VerifyCredentials(ctx, "nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestCreateAccountRejectsBadPassword(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateAccount(context.Background(), "bob", ""); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestBannedAccountCannotLogin(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.CreateAccount(ctx, "mallory", "pw"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	acc, err := s.VerifyCredentials(ctx, "mallory", "pw")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	token, err := s.CreateSession(ctx, acc.ID, "10.0.0.9:1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Ban(ctx, "mallory", "speedhack"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if _, err := s.VerifyCredentials(ctx, "mallory", "pw"); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
	if _, err := s.ValidateSession(ctx, token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session should end on ban, got %v", err)
	}
	if err := s.Ban(ctx, "nobody", "x"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSavePositionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateAccount(ctx, "carol", "pw")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	// 新账号带默认初始状态
	st, ok, err := s.LoadPosition(ctx, id)
	if err != nil || !ok {
		t.Fatalf("LoadPosition initial: ok=%v err=%v", ok, err)
	}
	if st.Position != (protocol.Vec3{X: 0, Y: 1, Z: 0}) {
		t.Fatalf("initial position %+v", st.Position)
	}

	want := PlayerState{
		PlayerID: id,
		Position: protocol.Vec3{X: 3, Y: 0, Z: -4},
		Rotation: protocol.QuatFromYaw(1),
		Health:   80,
	}
	if err := s.SavePosition(ctx, want); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	first, _, _ := s.LoadPosition(ctx, id)
	if err := s.SavePosition(ctx, want); err != nil {
		t.Fatalf("SavePosition again: %v", err)
	}
	second, _, _ := s.LoadPosition(ctx, id)

	if first.Position != want.Position || first.Rotation != want.Rotation || first.Health != 80 {
		t.Fatalf("saved state mismatch: %+v", first)
	}
	if first.Position != second.Position || first.Rotation != second.Rotation ||
		first.Health != second.Health || first.Online != second.Online {
		t.Fatalf("second save changed state: %+v vs %+v", first, second)
	}

	var rows int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM player_states WHERE player_id = ?`, id.String()).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one row, got %d", rows)
	}
}

func TestLoadPositionUnknownPlayer(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LoadPosition(context.Background(), uuid.New())
	if err != nil || ok {
		t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateAccount(ctx, "dave", "pw")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	token, err := s.CreateSession(ctx, id, "127.0.0.1:5000")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(token) != 32 {
		t.Fatalf("token length %d", len(token))
	}
	got, err := s.ValidateSession(ctx, token)
	if err != nil || got != id {
		t.Fatalf("ValidateSession: got %v err %v", got, err)
	}

	if err := s.EndSession(ctx, token); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := s.EndSession(ctx, token); err != nil {
		t.Fatalf("EndSession twice: %v", err)
	}
	if _, err := s.ValidateSession(ctx, token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after end, got %v", err)
	}
	if _, err := s.ValidateSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unknown token, got %v", err)
	}
}

func TestSessionExpires(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateAccount(ctx, "erin", "pw")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	token, err := s.CreateSession(ctx, id, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, err := s.ValidateSession(ctx, token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired session, got %v", err)
	}
}

func TestNewSessionTokenAlphabet(t *testing.T) {
	tok, err := NewSessionToken()
	if err != nil {
		t.Fatalf("NewSessionToken: %v", err)
	}
	for _, c := range tok {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			t.Fatalf("unexpected char %q in %q", c, tok)
		}
	}
}
