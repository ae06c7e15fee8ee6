package registry

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "streamrelay.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesSchema(t *testing.T) {
	s := openTestStore(t)

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil || !strings.EqualFold(mode, "wal") {
		t.Errorf("journal_mode = %q, err %v, want wal", mode, err)
	}
}

func TestInsertGetUpdateDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &Record{Key: "D0001", Name: "front-door", InputURL: "rtsp://cam/1", OutputURL: "rtmp://origin/d0001", CreateTime: time.Now().UnixMilli()}
	n, err := s.Insert(ctx, rec)
	if err != nil || n != 1 {
		t.Fatalf("Insert: n=%d err=%v", n, err)
	}

	got, err := s.GetByKey(ctx, "D0001")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if got == nil {
		t.Fatal("GetByKey: record not found")
	}
	if got.Name != "front-door" || got.Enabled != 0 {
		t.Errorf("unexpected record: %+v", got)
	}

	got.Enabled = 1
	reason := "dial timeout"
	got.Reason = &reason
	got.RetryCount = 2
	now := time.Now().UnixMilli()
	got.UpdateTime = &now

	n, err = s.Update(ctx, got)
	if err != nil || n != 1 {
		t.Fatalf("Update: n=%d err=%v", n, err)
	}

	reread, err := s.Get(ctx, got.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reread.Enabled != 1 || reread.RetryCount != 2 || reread.Reason == nil || *reread.Reason != "dial timeout" {
		t.Errorf("update not reflected: %+v", reread)
	}

	n, err = s.Delete(ctx, got.ID)
	if err != nil || n != 1 {
		t.Fatalf("Delete: n=%d err=%v", n, err)
	}

	gone, err := s.Get(ctx, got.ID)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if gone != nil {
		t.Errorf("expected nil after delete, got %+v", gone)
	}
}

func TestGetNotFoundReturnsNilNotError(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Get(context.Background(), 9999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
}

func insertRecord(t *testing.T, s *Store, key, name, rtsp, rtmp string, enabled int) *Record {
	t.Helper()
	rec := &Record{Key: key, Name: name, InputURL: rtsp, OutputURL: rtmp, Enabled: enabled, CreateTime: time.Now().UnixMilli()}
	if _, err := s.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := s.GetByKey(context.Background(), key)
	if err != nil || got == nil {
		t.Fatalf("GetByKey after insert: %v", err)
	}
	return got
}

func TestListKeywordIsBoundNotConcatenated(t *testing.T) {
	s := openTestStore(t)
	insertRecord(t, s, "D0001", "front-door", "rtsp://cam/1", "rtmp://origin/1", 0)
	insertRecord(t, s, "D0002", "back-yard", "rtsp://cam/2", "rtmp://origin/2", 0)

	// A keyword containing SQL metacharacters must be treated as a literal
	// substring, not interpreted — proves the query uses a bound parameter.
	recs, err := s.List(context.Background(), 1, 10, "' OR '1'='1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected 0 matches for injection-shaped keyword, got %d", len(recs))
	}

	recs, err = s.List(context.Background(), 1, 10, "front")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Key != "D0001" {
		t.Errorf("List(keyword=front) = %+v, want exactly D0001", recs)
	}
}

func TestListPagination(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		insertRecord(t, s, "D000"+string(rune('1'+i)), "cam", "rtsp://x", "rtmp://x", 0)
	}

	page1, err := s.List(context.Background(), 1, 2, "")
	if err != nil || len(page1) != 2 {
		t.Fatalf("page1: %+v err=%v", page1, err)
	}
	page2, err := s.List(context.Background(), 2, 2, "")
	if err != nil || len(page2) != 2 {
		t.Fatalf("page2: %+v err=%v", page2, err)
	}
	if page1[0].ID == page2[0].ID {
		t.Errorf("pages should not overlap: %+v %+v", page1, page2)
	}
}

func TestListEnabled(t *testing.T) {
	s := openTestStore(t)
	insertRecord(t, s, "D0001", "a", "rtsp://x", "rtmp://x", 1)
	insertRecord(t, s, "D0002", "b", "rtsp://x", "rtmp://x", 0)

	recs, err := s.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(recs) != 1 || recs[0].Key != "D0001" {
		t.Errorf("ListEnabled = %+v, want exactly D0001", recs)
	}
}

func TestListAbnormal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := insertRecord(t, s, "D0001", "a", "rtsp://x", "rtmp://x", 0)
	reason := "connection refused"
	r.Reason = &reason
	r.RetryCount = 1
	if _, err := s.Update(ctx, r); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Over the retry threshold: excluded.
	r2 := insertRecord(t, s, "D0002", "b", "rtsp://x", "rtmp://x", 0)
	reason2 := "timeout"
	r2.Reason = &reason2
	r2.RetryCount = 5
	if _, err := s.Update(ctx, r2); err != nil {
		t.Fatalf("Update: %v", err)
	}

	recs, err := s.ListAbnormal(ctx, 3)
	if err != nil {
		t.Fatalf("ListAbnormal: %v", err)
	}
	if len(recs) != 1 || recs[0].Key != "D0001" {
		t.Errorf("ListAbnormal(maxRetry=3) = %+v, want exactly D0001", recs)
	}
}

func TestCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertRecord(t, s, "D0001", "a", "rtsp://x", "rtmp://x", 1)
	r := insertRecord(t, s, "D0002", "b", "rtsp://x", "rtmp://x", 0)
	reason := "boom"
	r.Reason = &reason
	if _, err := s.Update(ctx, r); err != nil {
		t.Fatalf("Update: %v", err)
	}

	total, err := s.Count(ctx)
	if err != nil || total != 2 {
		t.Errorf("Count = %d, err %v, want 2", total, err)
	}
	enabled, err := s.CountEnabled(ctx)
	if err != nil || enabled != 1 {
		t.Errorf("CountEnabled = %d, err %v, want 1", enabled, err)
	}
	withReason, err := s.CountWithReason(ctx)
	if err != nil || withReason != 1 {
		t.Errorf("CountWithReason = %d, err %v, want 1", withReason, err)
	}
}

func TestGenerateNextKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key, err := s.GenerateNextKey(ctx)
	if err != nil {
		t.Fatalf("GenerateNextKey: %v", err)
	}
	if key != "D0001" {
		t.Errorf("GenerateNextKey (empty store) = %q, want D0001", key)
	}

	insertRecord(t, s, key, "a", "rtsp://x", "rtmp://x", 0)

	key2, err := s.GenerateNextKey(ctx)
	if err != nil {
		t.Fatalf("GenerateNextKey: %v", err)
	}
	if key2 != "D0002" {
		t.Errorf("GenerateNextKey (1 record) = %q, want D0002", key2)
	}
}

func TestEnsureAdminAccountIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	if err := s.EnsureAdminAccount(ctx, "admin", "hash1", "token1", now); err != nil {
		t.Fatalf("EnsureAdminAccount (first): %v", err)
	}
	if err := s.EnsureAdminAccount(ctx, "admin", "hash2", "token2", now); err != nil {
		t.Fatalf("EnsureAdminAccount (second): %v", err)
	}

	acct, err := s.GetAccountByToken(ctx, "token1")
	if err != nil {
		t.Fatalf("GetAccountByToken: %v", err)
	}
	if acct == nil || acct.Username != "admin" {
		t.Errorf("expected original seeded account to survive, got %+v", acct)
	}

	shouldBeNil, err := s.GetAccountByToken(ctx, "token2")
	if err != nil {
		t.Fatalf("GetAccountByToken(token2): %v", err)
	}
	if shouldBeNil != nil {
		t.Errorf("second EnsureAdminAccount call should not have reseeded, got %+v", shouldBeNil)
	}
}

func TestUpdateNonexistentRowAffectsZero(t *testing.T) {
	s := openTestStore(t)
	n, err := s.Update(context.Background(), &Record{ID: 999, Key: "ghost"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n != 0 {
		t.Errorf("RowsAffected = %d, want 0", n)
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertRecord(t, s, "D0001", "front-door", "rtsp://cam/1", "rtmp://origin/1", 0)

	dup := &Record{Key: "D0001", Name: "back-yard", InputURL: "rtsp://cam/2", OutputURL: "rtmp://origin/2", CreateTime: time.Now().UnixMilli()}
	n, err := s.Insert(ctx, dup)
	if err == nil {
		t.Fatalf("Insert with duplicate key: expected error, got n=%d", n)
	}
	if _, ok := err.(*StorageError); !ok {
		t.Errorf("Insert with duplicate key: err = %T(%v), want *StorageError", err, err)
	}
}

func TestStorageErrorUnwraps(t *testing.T) {
	cause := context.Canceled
	err := wrap(cause)
	se, ok := err.(*StorageError)
	if !ok {
		t.Fatalf("wrap did not return *StorageError: %T", err)
	}
	if se.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", se.Unwrap(), cause)
	}
}
