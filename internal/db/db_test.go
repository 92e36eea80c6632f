package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func setupDB(t *testing.T) {
	t.Helper()
	if err := Init(Config{Path: filepath.Join(t.TempDir(), "test.db")}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { Close() })
}

func TestInit_AppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	if err := Init(Config{Path: path}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := Init(Config{Path: path}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer Close()

	rows, err := GetDB().Query(GetMigrationStatus)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	if n != 1 {
		t.Errorf("recorded migrations = %d, want 1", n)
	}
}

func TestHistory_UpsertLifecycle(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	submitted := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := &JobRecord{
		ID: "job-1", Category: "image", Operation: "resize", Target: "/a.png",
		Priority: "high", OptionsJSON: `{"width":64}`, Status: "queued", SubmittedAt: submitted,
	}
	if err := History.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	started := submitted.Add(time.Second)
	finished := started.Add(2 * time.Second)
	rec.Status = "completed"
	rec.StartedAt = &started
	rec.FinishedAt = &finished
	rec.ResultJSON = `{"output_path":"/out/a.png"}`
	if err := History.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := History.GetJobByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "completed" || got.Priority != "high" || got.OptionsJSON != `{"width":64}` {
		t.Errorf("record = %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v", got.StartedAt)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("finished_at = %v", got.FinishedAt)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error = %q", got.ErrorMessage)
	}

	if _, err := History.GetJobByID(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing job: err = %v", err)
	}
}

func TestHistory_CountsListsAndArchival(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	statuses := []string{"completed", "completed", "failed", "queued", "processing"}
	for i, st := range statuses {
		sub := base.Add(time.Duration(i) * time.Hour)
		rec := &JobRecord{
			ID: string(rune('a' + i)), Category: "document", Operation: "compress",
			Target: "/d.txt", Priority: "normal", Status: st, SubmittedAt: sub,
		}
		if st == "completed" || st == "failed" {
			fin := sub.Add(time.Minute)
			rec.StartedAt = &sub
			rec.FinishedAt = &fin
		}
		if err := History.UpsertJob(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := History.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != 2 || counts["failed"] != 1 || counts["queued"] != 1 {
		t.Errorf("counts = %v", counts)
	}

	list, err := History.ListJobs(ctx, JobFilter{Status: "completed", OrderDir: "asc"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("list = %v", list)
	}

	// An unknown column must not reach the query.
	if _, err := History.ListJobs(ctx, JobFilter{OrderBy: "id; DROP TABLE job_history"}); err != nil {
		t.Errorf("unknown order column: %v", err)
	}

	old, err := History.GetJobsForArchival(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 2 {
		t.Fatalf("archival candidates = %d, want 2", len(old))
	}

	if err := Archive.MoveToArchive(ctx, []string{old[0].ID, old[1].ID}, "archive_2026_01.enc"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := History.GetJobByID(ctx, old[0].ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("archived job still in history: %v", err)
	}
	if n, _ := Archive.CountByFile(ctx, "archive_2026_01.enc"); n != 2 {
		t.Errorf("archive count = %d", n)
	}

	if err := Archive.RestoreFromArchive(ctx, old[0]); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := History.GetJobByID(ctx, old[0].ID); err != nil {
		t.Errorf("restored job missing: %v", err)
	}
	if _, err := Archive.GetArchiveJobByOriginalID(ctx, old[0].ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("archive record kept after restore: %v", err)
	}

	n, err := History.MarkInterrupted(ctx, "interrupted by restart", base.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("interrupted = %d, want 2", n)
	}
}

func TestWebhooks_EventMatching(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	hooks := []*Webhook{
		{Name: "ops", URL: "http://a", EventsJSON: `["job.failed"]`, Enabled: true},
		{Name: "all", URL: "http://b", EventsJSON: `["job.completed","job.failed"]`, Enabled: true},
		{Name: "off", URL: "http://c", EventsJSON: `["job.failed"]`, Enabled: false},
	}
	for _, w := range hooks {
		if err := Webhooks.CreateWebhook(ctx, w); err != nil {
			t.Fatal(err)
		}
		if w.ID == 0 {
			t.Fatal("expected id")
		}
	}

	got, err := Webhooks.ListActiveWebhooksForEvent(ctx, "job.failed")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("job.failed subscribers = %d, want 2", len(got))
	}
	got, _ = Webhooks.ListActiveWebhooksForEvent(ctx, "job.completed")
	if len(got) != 1 || got[0].Name != "all" {
		t.Errorf("job.completed subscribers = %v", got)
	}

	if err := Webhooks.DeleteWebhook(ctx, 9999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("delete missing: %v", err)
	}
	hooks[2].Enabled = true
	if err := Webhooks.UpdateWebhook(ctx, hooks[2]); err != nil {
		t.Fatal(err)
	}
	got, _ = Webhooks.ListActiveWebhooksForEvent(ctx, "job.failed")
	if len(got) != 3 {
		t.Errorf("after enabling: %d subscribers", len(got))
	}
}

func TestFilesAndSettings(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	f := &File{ID: "f1", OriginalName: "cat.png", StoredPath: "/up/f1.png", Category: "image", SizeBytes: 42}
	if err := Files.CreateFile(ctx, f); err != nil {
		t.Fatal(err)
	}
	got, err := Files.GetFileByID(ctx, "f1")
	if err != nil || got.StoredPath != "/up/f1.png" || got.ContentType != "" {
		t.Fatalf("file = %+v, %v", got, err)
	}
	list, _ := Files.ListFiles(ctx, FileFilter{Category: "media"})
	if len(list) != 0 {
		t.Errorf("category filter ignored: %v", list)
	}
	if err := Files.DeleteFile(ctx, "f1"); err != nil {
		t.Fatal(err)
	}
	if err := Files.DeleteFile(ctx, "f1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("second delete: %v", err)
	}

	if err := Settings.SetSetting(ctx, "k", "v1", false); err != nil {
		t.Fatal(err)
	}
	if err := Settings.SetSetting(ctx, "k", "v2", true); err != nil {
		t.Fatal(err)
	}
	s, err := Settings.GetSetting(ctx, "k")
	if err != nil || s.Value != "v2" || !s.Encrypted {
		t.Errorf("setting = %+v, %v", s, err)
	}
}

func TestHistory_DeleteJobsInBatches(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	ids := make([]string, 0, 2*deleteBatch+7)
	for i := 0; i < cap(ids); i++ {
		id := fmt.Sprintf("job-%d", i)
		ids = append(ids, id)
		if err := History.UpsertJob(ctx, &JobRecord{
			ID: id, Category: "image", Operation: "resize", Target: "/a.png",
			Priority: "normal", Status: "queued", SubmittedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := History.UpsertJob(ctx, &JobRecord{
		ID: "keep", Category: "image", Operation: "resize", Target: "/a.png",
		Priority: "normal", Status: "completed", SubmittedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := History.DeleteJobs(ctx, ids); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := History.DeleteJobs(ctx, nil); err != nil {
		t.Fatalf("empty delete: %v", err)
	}
	counts, err := History.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["queued"] != 0 || counts["completed"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSettings_CreateAndKey(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	created, err := Settings.CreateSetting(ctx, "once", "first", false)
	if err != nil || !created {
		t.Fatalf("create = %v, %v", created, err)
	}
	created, err = Settings.CreateSetting(ctx, "once", "second", false)
	if err != nil || created {
		t.Fatalf("second create = %v, %v", created, err)
	}
	if s, _ := Settings.GetSetting(ctx, "once"); s.Value != "first" {
		t.Errorf("value = %q, want first", s.Value)
	}

	calls := 0
	gen := func() []byte {
		calls++
		return []byte{byte(calls), 2, 3}
	}
	k1, err := Settings.GetOrCreateKey(ctx, SettingSecretKey, gen)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Settings.GetOrCreateKey(ctx, SettingSecretKey, gen)
	if err != nil {
		t.Fatal(err)
	}
	if string(k1) != string(k2) || k1[0] != 1 {
		t.Errorf("keys differ: %x %x", k1, k2)
	}
}

func TestAuditLog(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	for _, action := range []string{"queue.clear", "webhook.create", "queue.clear"} {
		if err := Audit.CreateAuditLog(ctx, &AuditLog{Action: action, EntityType: "queue"}); err != nil {
			t.Fatal(err)
		}
	}
	logs, err := Audit.ListAuditLogs(ctx, AuditFilter{Action: "queue.clear"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Errorf("logs = %d, want 2", len(logs))
	}
}
