package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"powerwatch"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSeedsBuildings(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	buildings, err := s.Buildings(ctx)
	if err != nil {
		t.Fatalf("buildings: %v", err)
	}
	if len(buildings) != 14 {
		t.Fatalf("got %d buildings, want 14", len(buildings))
	}
	b, ok, err := s.BuildingByID(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("building 1: ok=%v err=%v", ok, err)
	}
	if b.SectionsCount != 3 {
		t.Fatalf("building 1 sections = %d, want 3", b.SectionsCount)
	}
}

func TestHeartbeatCreateAndRepeat(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	res, err := s.UpsertHeartbeat(ctx, "esp-1", 1, 2, "basement", now)
	if err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	if !res.Created {
		t.Fatal("first heartbeat did not create the sensor")
	}

	later := now.Add(30 * time.Second)
	res, err = s.UpsertHeartbeat(ctx, "esp-1", 1, 2, "basement", later)
	if err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if res.Created || res.Moved {
		t.Fatalf("repeat heartbeat: created=%v moved=%v, want neither", res.Created, res.Moved)
	}

	sensor, ok, err := s.SensorByUUID(ctx, "esp-1")
	if err != nil || !ok {
		t.Fatalf("sensor lookup: ok=%v err=%v", ok, err)
	}
	if sensor.LastHeartbeat == nil || !sensor.LastHeartbeat.Equal(later) {
		t.Fatalf("last_heartbeat = %v, want %v", sensor.LastHeartbeat, later)
	}
}

func TestHeartbeatMove(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	if _, err := s.UpsertHeartbeat(ctx, "esp-1", 1, 2, "", now); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	res, err := s.UpsertHeartbeat(ctx, "esp-1", 3, 1, "", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("moved heartbeat: %v", err)
	}
	if !res.Moved || res.OldBuildingID != 1 || res.OldSectionID != 2 {
		t.Fatalf("move = %+v, want moved from 1/2", res)
	}
}

func TestHeartbeatWhileFrozenKeepsPlacement(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	if _, err := s.UpsertHeartbeat(ctx, "esp-1", 1, 2, "old", now); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := s.FreezeSensor(ctx, "esp-1", now.Add(time.Hour), true, now); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	later := now.Add(time.Minute)
	res, err := s.UpsertHeartbeat(ctx, "esp-1", 5, 3, "new", later)
	if err != nil {
		t.Fatalf("frozen heartbeat: %v", err)
	}
	if res.Moved {
		t.Fatal("frozen sensor reported a move")
	}

	sensor, _, err := s.SensorByUUID(ctx, "esp-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sensor.BuildingID != 1 || sensor.SectionID != 2 || sensor.Comment != "old" {
		t.Fatalf("frozen placement changed: %d/%d %q", sensor.BuildingID, sensor.SectionID, sensor.Comment)
	}
	if sensor.LastHeartbeat == nil || !sensor.LastHeartbeat.Equal(later) {
		t.Fatalf("frozen heartbeat not stamped: %v", sensor.LastHeartbeat)
	}
}

func TestFreezeUnfreezeSensor(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	if err := s.FreezeSensor(ctx, "missing", now.Add(time.Hour), true, now); err == nil {
		t.Fatal("freezing a missing sensor succeeded")
	}

	if _, err := s.UpsertHeartbeat(ctx, "esp-1", 1, 1, "", now); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	until := now.Add(2 * time.Hour)
	if err := s.FreezeSensor(ctx, "esp-1", until, false, now); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	sensor, _, err := s.SensorByUUID(ctx, "esp-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !sensor.Frozen(now) {
		t.Fatal("sensor not frozen")
	}
	if sensor.FrozenIsUp == nil || *sensor.FrozenIsUp {
		t.Fatal("frozen_is_up should be false")
	}
	if sensor.Alive(now, time.Minute) {
		t.Fatal("frozen-down sensor reported alive")
	}

	if err := s.UnfreezeSensor(ctx, "esp-1"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	sensor, _, _ = s.SensorByUUID(ctx, "esp-1")
	if sensor.Frozen(now) || sensor.FrozenUntil != nil {
		t.Fatal("unfreeze left freeze fields set")
	}
}

func TestFreezeAllAndBatchUnfreeze(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	for _, uuid := range []string{"a", "b", "c"} {
		if _, err := s.UpsertHeartbeat(ctx, uuid, 1, 1, "", now); err != nil {
			t.Fatalf("heartbeat %s: %v", uuid, err)
		}
	}
	// c is frozen individually before the batch.
	manualStamp := now.Add(-time.Hour)
	if err := s.FreezeSensor(ctx, "c", now.Add(3*time.Hour), true, manualStamp); err != nil {
		t.Fatalf("manual freeze: %v", err)
	}

	batchStamp := now
	n, err := s.FreezeAll(ctx, now.Add(time.Hour), batchStamp, func(powerwatch.Sensor) bool { return true })
	if err != nil {
		t.Fatalf("freeze all: %v", err)
	}
	if n != 3 {
		t.Fatalf("froze %d sensors, want 3", n)
	}

	n, err = s.UnfreezeByFrozenAt(ctx, batchStamp)
	if err != nil {
		t.Fatalf("batch unfreeze: %v", err)
	}
	if n != 3 {
		t.Fatalf("unfroze %d sensors, want 3", n)
	}
	for _, uuid := range []string{"a", "b", "c"} {
		sensor, _, err := s.SensorByUUID(ctx, uuid)
		if err != nil {
			t.Fatalf("lookup %s: %v", uuid, err)
		}
		if sensor.Frozen(now) {
			t.Fatalf("sensor %s still frozen after batch unfreeze", uuid)
		}
	}
}

func TestCommitTransition(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	key := powerwatch.SectionKey{BuildingID: 1, SectionID: 2}
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	payload := func(eventID int64, ts time.Time) ([]byte, error) {
		return []byte(`{"v":1}`), nil
	}

	tr, changed, err := s.CommitTransition(ctx, key, true, now, "light_notify", payload)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if !changed || tr.Type != powerwatch.EventUp || tr.EventID == 0 {
		t.Fatalf("first transition = %+v changed=%v", tr, changed)
	}

	// Same state again: no new row, no event, no job.
	_, changed, err = s.CommitTransition(ctx, key, true, now.Add(time.Minute), "light_notify", payload)
	if err != nil {
		t.Fatalf("repeat transition: %v", err)
	}
	if changed {
		t.Fatal("unchanged state reported as a transition")
	}

	down := now.Add(10 * time.Minute)
	tr, changed, err = s.CommitTransition(ctx, key, false, down, "light_notify", payload)
	if err != nil {
		t.Fatalf("down transition: %v", err)
	}
	if !changed || tr.Type != powerwatch.EventDown {
		t.Fatalf("down transition = %+v changed=%v", tr, changed)
	}
	if !tr.PrevChange.Equal(now) {
		t.Fatalf("prev change = %v, want %v", tr.PrevChange, now)
	}

	events, err := s.EventsSince(ctx, key, time.Time{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[0].Type != powerwatch.EventUp || events[1].Type != powerwatch.EventDown {
		t.Fatalf("event log = %+v", events)
	}

	jobs, err := s.RecentJobs(ctx, 10)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.Kind != "light_notify" || j.Status != JobPending {
			t.Fatalf("job = %+v", j)
		}
	}
}

func TestCommitTransitionAlternationGuard(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	key := powerwatch.SectionKey{BuildingID: 2, SectionID: 1}
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	if _, _, err := s.CommitTransition(ctx, key, true, now, "", nil); err != nil {
		t.Fatalf("up: %v", err)
	}
	// Force the state row out of sync with the log, then commit up again.
	if err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE section_power_state SET is_up = 0 WHERE building_id = ? AND section_id = ?`,
			key.BuildingID, key.SectionID)
		return err
	}); err != nil {
		t.Fatalf("force state: %v", err)
	}

	_, changed, err := s.CommitTransition(ctx, key, true, now.Add(time.Minute), "", nil)
	if err != nil {
		t.Fatalf("guarded up: %v", err)
	}
	if !changed {
		t.Fatal("state repair not reported")
	}
	events, err := s.EventsSince(ctx, key, time.Time{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("alternation guard admitted a duplicate: %+v", events)
	}
}

func TestJobQueueFIFO(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	first, err := s.EnqueueJob(ctx, "broadcast", []byte(`{"text":"a"}`), nil, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := s.EnqueueJob(ctx, "broadcast", []byte(`{"text":"b"}`), nil, now.Add(time.Second))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := s.ClaimJob(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID != first {
		t.Fatalf("claimed %+v, want id %d", job, first)
	}
	if job.Status != JobRunning || job.Attempts != 1 {
		t.Fatalf("claimed job = %+v", job)
	}

	job, err = s.ClaimJob(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID != second {
		t.Fatalf("claimed %+v, want id %d", job, second)
	}

	job, err = s.ClaimJob(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim empty: %v", err)
	}
	if job != nil {
		t.Fatalf("claimed %+v from empty queue", job)
	}
}

func TestFinishJobRepeatIsNoop(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	id, err := s.EnqueueJob(ctx, "broadcast", []byte(`{}`), nil, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimJob(ctx, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.FinishJob(ctx, id, JobDone, "", now.Add(time.Second)); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// Repeat with a different terminal status must not overwrite.
	if err := s.FinishJob(ctx, id, JobFailed, "late", now.Add(2*time.Second)); err != nil {
		t.Fatalf("repeat finish: %v", err)
	}
	job, err := s.JobByID(ctx, id)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != JobDone || job.LastError != "" {
		t.Fatalf("terminal job overwritten: %+v", job)
	}

	if err := s.FinishJob(ctx, id, "pending", "", now); err == nil {
		t.Fatal("non-terminal finish status accepted")
	}
}

func TestReclaimJobs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	leaseTTL := time.Minute

	id, err := s.EnqueueJob(ctx, "broadcast", []byte(`{}`), nil, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimJob(ctx, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Lease still fresh: nothing happens.
	requeued, failed, err := s.ReclaimJobs(ctx, leaseTTL, 3, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 0 || failed != 0 {
		t.Fatalf("fresh lease reclaimed: requeued=%d failed=%d", requeued, failed)
	}

	// Expired with attempts below the cap: back to pending.
	requeued, failed, err = s.ReclaimJobs(ctx, leaseTTL, 3, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("requeued=%d failed=%d, want 1/0", requeued, failed)
	}
	job, err := s.JobByID(ctx, id)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != JobPending || job.StartedAt != nil || job.Attempts != 1 {
		t.Fatalf("requeued job = %+v", job)
	}

	// Second attempt expires: still below the cap, requeued again.
	if _, err := s.ClaimJob(ctx, now.Add(3*time.Minute)); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	requeued, failed, err = s.ReclaimJobs(ctx, leaseTTL, 3, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("requeued=%d failed=%d, want 1/0", requeued, failed)
	}

	// Third claim reaches the cap; the next expiry fails the job for good.
	if _, err := s.ClaimJob(ctx, now.Add(6*time.Minute)); err != nil {
		t.Fatalf("third claim: %v", err)
	}
	requeued, failed, err = s.ReclaimJobs(ctx, leaseTTL, 3, now.Add(8*time.Minute))
	if err != nil {
		t.Fatalf("final reclaim: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("requeued=%d failed=%d, want 0/1", requeued, failed)
	}
	job, err = s.JobByID(ctx, id)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != JobFailed || job.LastError != "lease expired" {
		t.Fatalf("expired job = %+v", job)
	}
}

func TestLightSubscribers(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	section := 2
	otherSection := 1
	for chat, sec := range map[int64]*int{
		100: nil,           // whole building
		101: &section,      // exact section
		102: &otherSection, // different section
	} {
		if err := s.UpsertSubscriber(ctx, chat, now); err != nil {
			t.Fatalf("subscribe %d: %v", chat, err)
		}
		if err := s.SetSubscriberPlace(ctx, chat, 1, sec); err != nil {
			t.Fatalf("place %d: %v", chat, err)
		}
	}
	// 103 matches but opted out; 104 matches but was deactivated.
	for _, chat := range []int64{103, 104} {
		if err := s.UpsertSubscriber(ctx, chat, now); err != nil {
			t.Fatalf("subscribe %d: %v", chat, err)
		}
		if err := s.SetSubscriberPlace(ctx, chat, 1, &section); err != nil {
			t.Fatalf("place %d: %v", chat, err)
		}
	}
	if err := s.SetLightNotifications(ctx, 103, false); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	if err := s.DeactivateSubscriber(ctx, 104); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	subs, err := s.LightSubscribers(ctx, powerwatch.SectionKey{BuildingID: 1, SectionID: 2})
	if err != nil {
		t.Fatalf("light subscribers: %v", err)
	}
	if len(subs) != 2 || subs[0].ChatID != 100 || subs[1].ChatID != 101 {
		t.Fatalf("light subscribers = %+v", subs)
	}
}

func TestSubscriberQuietHours(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	if err := s.UpsertSubscriber(ctx, 1, now); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	start, end := 23, 7
	if err := s.SetQuietHours(ctx, 1, &start, &end); err != nil {
		t.Fatalf("set quiet hours: %v", err)
	}
	if err := s.SetQuietHours(ctx, 1, &start, nil); err == nil {
		t.Fatal("half-set quiet hours accepted")
	}

	sub, ok, err := s.Subscriber(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("subscriber: ok=%v err=%v", ok, err)
	}
	quiet := map[int]bool{}
	for h := 0; h < 24; h++ {
		quiet[h] = sub.InQuietHours(h)
	}
	for _, h := range []int{23, 0, 1, 2, 3, 4, 5, 6} {
		if !quiet[h] {
			t.Fatalf("hour %d should be quiet", h)
		}
	}
	for _, h := range []int{7, 12, 22} {
		if quiet[h] {
			t.Fatalf("hour %d should not be quiet", h)
		}
	}
}

func TestLightNotificationsGlobalSwitch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	on, err := s.LightNotificationsEnabled(ctx)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if !on {
		t.Fatal("switch should default to on")
	}
	if err := s.KVSet(ctx, KVLightGlobal, "off"); err != nil {
		t.Fatalf("set off: %v", err)
	}
	on, err = s.LightNotificationsEnabled(ctx)
	if err != nil {
		t.Fatalf("read off: %v", err)
	}
	if on {
		t.Fatal("switch should be off")
	}
	if err := s.KVSet(ctx, KVLightGlobal, "on"); err != nil {
		t.Fatalf("set on: %v", err)
	}
	if on, _ = s.LightNotificationsEnabled(ctx); !on {
		t.Fatal("switch should be back on")
	}
}

func TestOutageStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	key := powerwatch.SectionKey{BuildingID: 1, SectionID: 1}
	base := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	// up at 00:00, down at 06:00, up at 08:00, observed at 12:00.
	steps := []struct {
		up bool
		at time.Time
	}{
		{true, base},
		{false, base.Add(6 * time.Hour)},
		{true, base.Add(8 * time.Hour)},
	}
	for _, step := range steps {
		if _, _, err := s.CommitTransition(ctx, key, step.up, step.at, "", nil); err != nil {
			t.Fatalf("transition at %v: %v", step.at, err)
		}
	}

	stats, err := s.OutageStatsSince(ctx, key, base, base.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Uptime != 10*time.Hour || stats.Downtime != 2*time.Hour || stats.OutageCount != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.UptimePercent < 83.2 || stats.UptimePercent > 83.4 {
		t.Fatalf("uptime percent = %v", stats.UptimePercent)
	}
}

func TestEventsSinceSubsecondBoundary(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	key := powerwatch.SectionKey{BuildingID: 1, SectionID: 1}

	// A whole-second stamp must not sort after a nanosecond-precision one;
	// the stored text has to preserve time order byte for byte.
	whole := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	if _, _, err := s.CommitTransition(ctx, key, true, whole, "", nil); err != nil {
		t.Fatalf("up transition: %v", err)
	}
	if _, _, err := s.CommitTransition(ctx, key, false, whole.Add(time.Millisecond), "", nil); err != nil {
		t.Fatalf("down transition: %v", err)
	}

	events, err := s.EventsSince(ctx, key, whole.Add(time.Nanosecond))
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 1 || events[0].Type != powerwatch.EventDown {
		t.Fatalf("expected only the later down event, got %+v", events)
	}

	events, err = s.EventsSince(ctx, key, whole)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both events at an inclusive since, got %+v", events)
	}
	if !events[0].Timestamp.Equal(whole) {
		t.Fatalf("round-tripped timestamp = %v, want %v", events[0].Timestamp, whole)
	}
}
