package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T, sliding bool) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewStore(rdb, "ak", sliding), mr
}

func hashOf(b byte) [32]byte {
	return sha256.Sum256([]byte{b})
}

func makeSession(tenantID, userID, sessionID string, refreshHash [32]byte) *Session {
	now := time.Now()
	return &Session{
		SessionID:   sessionID,
		UserID:      userID,
		TenantID:    tenantID,
		Roles:       []string{"member"},
		AMR:         []string{"pwd"},
		RefreshHash: EncodeHash(refreshHash),
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(time.Hour).Unix(),
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store, _ := newStore(t, false)
	ctx := context.Background()

	sess := makeSession("t1", "u1", "s1", hashOf(1))
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "t1", "s1", time.Hour)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "u1" || got.TenantID != "t1" || got.SessionID != "s1" {
		t.Errorf("got %+v, identity fields mismatch", got)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "member" {
		t.Errorf("Roles = %v, want [member]", got.Roles)
	}
	if len(got.AMR) != 1 || got.AMR[0] != "pwd" {
		t.Errorf("AMR = %v, want [pwd]", got.AMR)
	}
}

func TestGetMissingSessionReturnsNil(t *testing.T) {
	store, _ := newStore(t, false)

	if _, err := store.Get(context.Background(), "t1", "absent", time.Hour); !errors.Is(err, redis.Nil) {
		t.Fatalf("err = %v, want redis.Nil", err)
	}
}

func TestGetExpiredByAbsoluteLifetime(t *testing.T) {
	store, _ := newStore(t, false)
	ctx := context.Background()

	sess := makeSession("t1", "u1", "s1", hashOf(1))
	sess.CreatedAt = time.Now().Add(-2 * time.Hour).Unix()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Created two hours ago with a one-hour absolute lifetime: expired,
	// deleted on read.
	if _, err := store.Get(ctx, "t1", "s1", time.Hour); !errors.Is(err, redis.Nil) {
		t.Fatalf("err = %v, want redis.Nil", err)
	}

	ids, err := store.ActiveSessionIDs(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("ActiveSessionIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("index still holds %v after expiry cleanup", ids)
	}
}

func TestSlidingExpirationRenewsTTL(t *testing.T) {
	store, mr := newStore(t, true)
	ctx := context.Background()

	sess := makeSession("t1", "u1", "s1", hashOf(1))
	if err := store.Save(ctx, sess, time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	mr.FastForward(50 * time.Second)

	if _, err := store.Get(ctx, "t1", "s1", time.Hour); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// The read pushed the key TTL out toward the absolute bound.
	if ttl := mr.TTL("ak:t1:s1"); ttl <= time.Minute {
		t.Errorf("ttl = %v, want renewed beyond the original minute", ttl)
	}
}

func TestDeleteRemovesSessionAndIndex(t *testing.T) {
	store, _ := newStore(t, false)
	ctx := context.Background()

	sess := makeSession("t1", "u1", "s1", hashOf(1))
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.Delete(ctx, "t1", "s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "t1", "s1", time.Hour); !errors.Is(err, redis.Nil) {
		t.Errorf("Get after delete: err = %v, want redis.Nil", err)
	}

	count, err := store.ActiveSessionCount(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("ActiveSessionCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	// Deleting again is a no-op, not an error.
	if err := store.Delete(ctx, "t1", "s1"); err != nil {
		t.Errorf("second Delete: err = %v, want nil", err)
	}
}

func TestDeleteAllForUser(t *testing.T) {
	store, _ := newStore(t, false)
	ctx := context.Background()

	for i, sid := range []string{"s1", "s2", "s3"} {
		sess := makeSession("t1", "u1", sid, hashOf(byte(i)))
		if err := store.Save(ctx, sess, time.Hour); err != nil {
			t.Fatalf("Save %s failed: %v", sid, err)
		}
	}
	other := makeSession("t1", "u2", "s9", hashOf(9))
	if err := store.Save(ctx, other, time.Hour); err != nil {
		t.Fatalf("Save other failed: %v", err)
	}

	if err := store.DeleteAllForUser(ctx, "t1", "u1"); err != nil {
		t.Fatalf("DeleteAllForUser failed: %v", err)
	}

	for _, sid := range []string{"s1", "s2", "s3"} {
		if _, err := store.Get(ctx, "t1", sid, time.Hour); !errors.Is(err, redis.Nil) {
			t.Errorf("%s survived DeleteAllForUser", sid)
		}
	}
	if _, err := store.Get(ctx, "t1", "s9", time.Hour); err != nil {
		t.Errorf("unrelated session deleted: %v", err)
	}
}

func TestRotateRefreshHashSwapsSecret(t *testing.T) {
	store, _ := newStore(t, false)
	ctx := context.Background()

	current := hashOf(1)
	next := hashOf(2)

	sess := makeSession("t1", "u1", "s1", current)
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rotated, err := store.RotateRefreshHash(ctx, "t1", "s1", current, next)
	if err != nil {
		t.Fatalf("RotateRefreshHash failed: %v", err)
	}
	if rotated.RefreshHash != EncodeHash(next) {
		t.Error("stored hash was not swapped")
	}
	if rotated.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", rotated.UserID)
	}
}

func TestRotateWithStaleHashDestroysSession(t *testing.T) {
	store, _ := newStore(t, false)
	ctx := context.Background()

	current := hashOf(1)

	sess := makeSession("t1", "u1", "s1", current)
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := store.RotateRefreshHash(ctx, "t1", "s1", hashOf(9), hashOf(2)); !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("err = %v, want ErrRefreshHashMismatch", err)
	}

	// The mismatch burned the session.
	if _, err := store.Get(ctx, "t1", "s1", time.Hour); !errors.Is(err, redis.Nil) {
		t.Errorf("session survived a stale rotation: %v", err)
	}
	ids, err := store.ActiveSessionIDs(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("ActiveSessionIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("index still holds %v", ids)
	}
}

func TestRotateMissingSession(t *testing.T) {
	store, _ := newStore(t, false)

	if _, err := store.RotateRefreshHash(context.Background(), "t1", "absent", hashOf(1), hashOf(2)); !errors.Is(err, redis.Nil) {
		t.Fatalf("err = %v, want redis.Nil", err)
	}
}

func TestCorruptBlobReported(t *testing.T) {
	store, mr := newStore(t, false)

	mr.Set("ak:t1:s1", "{not json")

	if _, err := store.Get(context.Background(), "t1", "s1", time.Hour); !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("err = %v, want ErrSessionCorrupt", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	store, _ := newStore(t, false)
	ctx := context.Background()

	sess := makeSession("t1", "u1", "s1", hashOf(1))
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := store.Get(ctx, "t2", "s1", time.Hour); !errors.Is(err, redis.Nil) {
		t.Fatalf("cross-tenant read: err = %v, want redis.Nil", err)
	}
}

func TestTenantSessionCount(t *testing.T) {
	store, _ := newStore(t, false)
	ctx := context.Background()

	for i, id := range []string{"s1", "s2", "s3"} {
		sess := makeSession("t1", "u1", id, hashOf(byte(i)))
		if err := store.Save(ctx, sess, time.Hour); err != nil {
			t.Fatalf("Save %s failed: %v", id, err)
		}
	}
	other := makeSession("t2", "u2", "s9", hashOf(9))
	if err := store.Save(ctx, other, time.Hour); err != nil {
		t.Fatalf("Save s9 failed: %v", err)
	}

	n, err := store.TenantSessionCount(ctx, "t1")
	if err != nil {
		t.Fatalf("TenantSessionCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("TenantSessionCount(t1) = %d, want 3", n)
	}

	n, err = store.TenantSessionCount(ctx, "t2")
	if err != nil {
		t.Fatalf("TenantSessionCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("TenantSessionCount(t2) = %d, want 1", n)
	}
}

func TestTrackReplayAnomalyCountsAndExpires(t *testing.T) {
	store, mr := newStore(t, false)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := store.TrackReplayAnomaly(ctx, "t1", "s1", time.Minute)
		if err != nil {
			t.Fatalf("TrackReplayAnomaly failed: %v", err)
		}
		if n != want {
			t.Errorf("count = %d, want %d", n, want)
		}
	}

	mr.FastForward(2 * time.Minute)

	n, err := store.TrackReplayAnomaly(ctx, "t1", "s1", time.Minute)
	if err != nil {
		t.Fatalf("TrackReplayAnomaly after window failed: %v", err)
	}
	if n != 1 {
		t.Errorf("count after window = %d, want 1", n)
	}
}

func TestSaveAppliesTTLJitter(t *testing.T) {
	store, mr := newStore(t, false)
	store.SetTTLJitter(0.5)
	ctx := context.Background()

	sess := makeSession("t1", "u1", "s1", hashOf(1))
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	ttl := mr.TTL("ak:t1:s1")
	if ttl < time.Hour || ttl > time.Hour+30*time.Minute {
		t.Errorf("TTL = %v, want within [1h, 1h30m]", ttl)
	}
}

func TestSetTTLJitterRejectsOutOfRange(t *testing.T) {
	store, mr := newStore(t, false)
	store.SetTTLJitter(1.5)
	ctx := context.Background()

	sess := makeSession("t1", "u1", "s1", hashOf(1))
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if ttl := mr.TTL("ak:t1:s1"); ttl != time.Hour {
		t.Errorf("TTL = %v, want exactly 1h when jitter is disabled", ttl)
	}
}
