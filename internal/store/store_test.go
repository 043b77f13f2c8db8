package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talemon/talemon/internal/dbopen"
	"github.com/talemon/talemon/internal/objstore"
	"github.com/talemon/talemon/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return store.New(db)
}

func seedPage(t *testing.T, st *store.Store, url string, now time.Time) *store.Page {
	t.Helper()
	p, err := st.CreatePage(context.Background(), url, objstore.URLHash(url), "example.com", time.Hour, now)
	if err != nil {
		t.Fatalf("CreatePage(%s): %v", url, err)
	}
	return p
}

func claimOne(t *testing.T, st *store.Store, id int64, owner string, now time.Time) *store.Page {
	t.Helper()
	pages, err := st.ClaimPages(context.Background(), []int64{id}, owner, now)
	if err != nil {
		t.Fatalf("ClaimPages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("claimed %d pages, want 1", len(pages))
	}
	return pages[0]
}

func TestCreatePageDuplicate(t *testing.T) {
	st := newStore(t)
	now := time.Now()
	seedPage(t, st, "https://example.com/a", now)

	_, err := st.CreatePage(context.Background(), "https://example.com/a",
		objstore.URLHash("https://example.com/a"), "example.com", time.Hour, now)
	if !errors.Is(err, store.ErrDuplicatePage) {
		t.Fatalf("duplicate create: err = %v, want ErrDuplicatePage", err)
	}
}

func TestDueCandidatesSelection(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()

	due := seedPage(t, st, "https://example.com/due", now.Add(-time.Minute))
	future := seedPage(t, st, "https://example.com/future", now)
	if err := st.CheckNow(ctx, future.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	paused := seedPage(t, st, "https://example.com/paused", now.Add(-time.Minute))
	if err := st.PausePage(ctx, paused.ID, now); err != nil {
		t.Fatalf("PausePage: %v", err)
	}

	cands, err := st.DueCandidates(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueCandidates: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != due.ID {
		t.Fatalf("candidates = %+v, want only page %d", cands, due.ID)
	}
	if cands[0].Domain != "example.com" {
		t.Errorf("candidate domain = %q", cands[0].Domain)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()
	p := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))

	first, err := st.ClaimPages(ctx, []int64{p.ID}, "wrk_a", now)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := st.ClaimPages(ctx, []int64{p.ID}, "wrk_b", now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("claims = %d and %d, want 1 and 0", len(first), len(second))
	}
	if first[0].Status != store.StatusProcessing {
		t.Errorf("claimed status = %s", first[0].Status)
	}
	if first[0].HeartbeatOwner != "wrk_a" {
		t.Errorf("owner stamp = %q, want wrk_a", first[0].HeartbeatOwner)
	}
	if first[0].HeartbeatAt == nil {
		t.Error("claimed page has no heartbeat_at")
	}
}

func TestHeartbeatConditionalOnOwner(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()
	p := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))
	claimOne(t, st, p.ID, "wrk_a", now)

	if err := st.Heartbeat(ctx, p.ID, "wrk_a", now.Add(time.Second)); err != nil {
		t.Fatalf("owner heartbeat: %v", err)
	}
	if err := st.Heartbeat(ctx, p.ID, "wrk_other", now.Add(time.Second)); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("foreign heartbeat: err = %v, want ErrLeaseLost", err)
	}
}

func TestReclaimZombies(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()

	stale := seedPage(t, st, "https://example.com/stale", now.Add(-time.Hour))
	fresh := seedPage(t, st, "https://example.com/fresh", now.Add(-time.Hour))
	claimOne(t, st, stale.ID, "wrk_dead", now.Add(-10*time.Minute))
	claimOne(t, st, fresh.ID, "wrk_live", now)

	n, err := st.ReclaimZombies(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		t.Fatalf("ReclaimZombies: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	got, err := st.GetPage(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Status != store.StatusPending || got.HeartbeatAt != nil || got.HeartbeatOwner != "" {
		t.Errorf("reclaimed page = %+v, want PENDING with no heartbeat", got)
	}

	// The dead worker's late commit must be rejected.
	err = st.RecordUnchanged(ctx, got, "wrk_dead", now, "c", "h")
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("late commit: err = %v, want ErrLeaseLost", err)
	}
	if live, _ := st.GetPage(ctx, fresh.ID); live.Status != store.StatusProcessing {
		t.Errorf("fresh lease was reclaimed")
	}
}

func TestRecordFailureKeepsScheduling(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()
	p := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))
	leased := claimOne(t, st, p.ID, "wrk_a", now)

	status := 503
	if err := st.RecordFailure(ctx, leased, "wrk_a", now, &status, "upstream unavailable"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	got, _ := st.GetPage(ctx, p.ID)
	if got.Status != store.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.LastCheckAt != nil {
		t.Errorf("last_check_at set on failed attempt")
	}
	if got.NextScheduleAt <= now.UnixMilli() {
		t.Errorf("page not rescheduled")
	}

	mons, err := st.ListMonitors(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("ListMonitors: %v", err)
	}
	if len(mons) != 1 {
		t.Fatalf("monitors = %d, want 1", len(mons))
	}
	m := mons[0]
	if m.ChangeDetected || m.ContentHash != "" || m.CleanHash != "" {
		t.Errorf("failure monitor = %+v, want empty hashes and no change", m)
	}
	if m.HTTPStatus == nil || *m.HTTPStatus != 503 {
		t.Errorf("http_status = %v, want 503", m.HTTPStatus)
	}
	if m.ErrorMessage != "upstream unavailable" {
		t.Errorf("error_message = %q", m.ErrorMessage)
	}
}

func TestRecordSnapshotCommitsAtomically(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()
	p := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))
	leased := claimOne(t, st, p.ID, "wrk_a", now)

	capturedAt := now.Add(time.Second)
	base := objstore.BasePath("data", p.Hash, capturedAt)
	if err := st.RecordSnapshot(ctx, leased, "wrk_a", capturedAt, base, "content1", "clean1"); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}

	got, _ := st.GetPage(ctx, p.ID)
	if got.Status != store.StatusPending || got.LastCleanHash != "clean1" {
		t.Errorf("page after commit = %+v", got)
	}
	if got.LastCheckAt == nil {
		t.Error("last_check_at not set")
	}
	if got.NextScheduleAt != capturedAt.UnixMilli()+got.CheckInterval {
		t.Errorf("next_schedule_at = %d, want capture + interval", got.NextScheduleAt)
	}

	snaps, _ := st.ListSnapshots(ctx, p.ID, 10)
	if len(snaps) != 1 || snaps[0].OSSPath != base {
		t.Fatalf("snapshots = %+v, want one at %s", snaps, base)
	}
	mons, _ := st.ListMonitors(ctx, p.ID, 10)
	if len(mons) != 1 || !mons[0].ChangeDetected {
		t.Fatalf("monitors = %+v, want one change_detected row", mons)
	}
}

func TestSnapshotDedupOnCleanHash(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()
	p := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))

	// Two full capture rounds arriving at the same clean hash, as after a
	// worker crash between blob upload and commit.
	leased := claimOne(t, st, p.ID, "wrk_a", now)
	at1 := now.Add(time.Second)
	if err := st.RecordSnapshot(ctx, leased, "wrk_a", at1, objstore.BasePath("data", p.Hash, at1), "content1", "cleanX"); err != nil {
		t.Fatalf("first RecordSnapshot: %v", err)
	}

	if err := st.CheckNow(ctx, p.ID, now); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	leased = claimOne(t, st, p.ID, "wrk_b", now.Add(2*time.Second))
	at2 := now.Add(3 * time.Second)
	if err := st.RecordSnapshot(ctx, leased, "wrk_b", at2, objstore.BasePath("data", p.Hash, at2), "content2", "cleanX"); err != nil {
		t.Fatalf("second RecordSnapshot: %v", err)
	}

	snaps, _ := st.ListSnapshots(ctx, p.ID, 10)
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1 (deduplicated on clean hash)", len(snaps))
	}
	mons, _ := st.ListMonitors(ctx, p.ID, 10)
	if len(mons) != 2 {
		t.Fatalf("monitors = %d, want one per attempt", len(mons))
	}
}

func TestPauseResumeLifecycle(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()
	p := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))

	if err := st.PausePage(ctx, p.ID, now); err != nil {
		t.Fatalf("PausePage: %v", err)
	}
	if cands, _ := st.DueCandidates(ctx, now, 10); len(cands) != 0 {
		t.Fatal("paused page selected as candidate")
	}
	if err := st.ResumePage(ctx, p.ID, now); err != nil {
		t.Fatalf("ResumePage: %v", err)
	}
	if cands, _ := st.DueCandidates(ctx, now, 10); len(cands) != 1 {
		t.Fatal("resumed page not due")
	}
	// Resuming a non-paused page is an error.
	if err := st.ResumePage(ctx, p.ID, now); !errors.Is(err, store.ErrPageNotFound) {
		t.Fatalf("resume pending page: err = %v, want ErrPageNotFound", err)
	}
}

func TestUnextractedAntiJoin(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()

	p := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))
	leased := claimOne(t, st, p.ID, "wrk_a", now)
	if err := st.RecordSnapshot(ctx, leased, "wrk_a", now, "data/x/", "c1", "h1"); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}

	snaps, err := st.UnextractedSnapshots(ctx, "v1", 10)
	if err != nil {
		t.Fatalf("UnextractedSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("unextracted = %d, want 1", len(snaps))
	}

	inserted, err := st.InsertInfo(ctx, snaps[0].ID, "v1", `{"title":"t"}`, now.UnixMilli())
	if err != nil || !inserted {
		t.Fatalf("InsertInfo = %v, %v; want inserted", inserted, err)
	}
	// Second insert for the same version loses the race silently.
	inserted, err = st.InsertInfo(ctx, snaps[0].ID, "v1", `{"title":"other"}`, now.UnixMilli())
	if err != nil || inserted {
		t.Fatalf("duplicate InsertInfo = %v, %v; want no-op", inserted, err)
	}

	if left, _ := st.UnextractedSnapshots(ctx, "v1", 10); len(left) != 0 {
		t.Fatal("extracted snapshot still selected for v1")
	}
	// A new version sees the snapshot again.
	if left, _ := st.UnextractedSnapshots(ctx, "v2", 10); len(left) != 1 {
		t.Fatal("snapshot not selected for v2")
	}

	info, err := st.GetInfo(ctx, snaps[0].ID, "v1")
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Data != `{"title":"t"}` {
		t.Errorf("info data = %q, first writer must win", info.Data)
	}
}

func TestStats(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()

	a := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))
	seedPage(t, st, "https://example.com/b", now.Add(-time.Minute))
	leased := claimOne(t, st, a.ID, "wrk_a", now)
	if err := st.RecordSnapshot(ctx, leased, "wrk_a", now, "data/x/", "c", "h"); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.PagesByStatus[store.StatusPending] != 2 {
		t.Errorf("pending = %d, want 2", stats.PagesByStatus[store.StatusPending])
	}
	if stats.Snapshots != 1 || stats.Monitors != 1 || stats.Infos != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCascadeDelete(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()

	p := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))
	leased := claimOne(t, st, p.ID, "wrk_a", now)
	if err := st.RecordSnapshot(ctx, leased, "wrk_a", now, "data/x/", "c", "h"); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}
	snaps, _ := st.ListSnapshots(ctx, p.ID, 1)
	if _, err := st.InsertInfo(ctx, snaps[0].ID, "v1", `{}`, now.UnixMilli()); err != nil {
		t.Fatalf("InsertInfo: %v", err)
	}

	if _, err := st.DB.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, p.ID); err != nil {
		t.Fatalf("delete page: %v", err)
	}
	for _, table := range []string{"page_snapshots", "page_monitors", "page_infos"} {
		var n int
		if err := st.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after page delete, want 0", table, n)
		}
	}
}

func TestGetInfoNotFound(t *testing.T) {
	st := newStore(t)
	_, err := st.GetInfo(context.Background(), 42, "v1")
	if !errors.Is(err, store.ErrInfoNotFound) {
		t.Fatalf("err = %v, want ErrInfoNotFound", err)
	}
}

func TestCheckNowLeavesLeasedPageAlone(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()

	p := seedPage(t, st, "https://example.com/a", now.Add(-time.Minute))
	claimOne(t, st, p.ID, "wrk_a", now)

	// The lease holder owns the row's scheduling fields until release.
	err := st.CheckNow(ctx, p.ID, now)
	if !errors.Is(err, store.ErrPageNotFound) {
		t.Fatalf("CheckNow on leased page = %v, want ErrPageNotFound", err)
	}
	got, err := st.GetPage(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Status != store.StatusProcessing || got.HeartbeatOwner != "wrk_a" {
		t.Fatalf("lease disturbed: %+v", got)
	}

	// A paused page stays mutable: the bump takes effect once resumed.
	if err := st.PausePage(ctx, p.ID, now); err != nil {
		t.Fatalf("PausePage: %v", err)
	}
	if err := st.CheckNow(ctx, p.ID, now); err != nil {
		t.Fatalf("CheckNow on paused page: %v", err)
	}
}
