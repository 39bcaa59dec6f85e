package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/doclens/accesspipe/dbopen"
	"github.com/doclens/accesspipe/observability"

	_ "modernc.org/sqlite"
)

func TestMetricsFlushOnBufferFull(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	mm := observability.NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mm.Record(&observability.Metric{
		Name: observability.MetricJobDurationMs, Timestamp: base,
		Value: 150, Labels: map[string]string{"step": "ocr"}, Unit: "milliseconds",
	})
	mm.Record(&observability.Metric{
		Name: observability.MetricJobDurationMs, Timestamp: base.Add(time.Second),
		Value: 300, Unit: "milliseconds",
	})

	// Buffer size reached: both rows are flushed synchronously.
	got, err := mm.Query(observability.MetricJobDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d metrics", len(got))
	}
	// Newest first.
	if got[0].Value != 300 || got[1].Value != 150 {
		t.Fatalf("values = %v, %v", got[0].Value, got[1].Value)
	}
	if got[1].Labels["step"] != "ocr" {
		t.Fatalf("labels = %+v", got[1].Labels)
	}
	if !got[1].Timestamp.Equal(base) {
		t.Fatalf("timestamp = %v", got[1].Timestamp)
	}
}

func TestMetricsCloseFlushesRemainder(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	mm := observability.NewMetricsManager(db, 100, time.Hour)
	mm.RecordSimple(observability.MetricQueueDepth, 7, "count")
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := mm.Query(observability.MetricQueueDepth, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 7 {
		t.Fatalf("got = %+v", got)
	}
}

func TestMetricsQueryFilters(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	mm := observability.NewMetricsManager(db, 100, time.Hour)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		mm.Record(&observability.Metric{
			Name: observability.MetricJobsProcessed, Timestamp: base.Add(time.Duration(i) * time.Minute),
			Value: float64(i), Unit: "count",
		})
	}
	mm.Record(&observability.Metric{
		Name: observability.MetricJobsFailed, Timestamp: base, Value: 1, Unit: "count",
	})
	mm.Close()

	got, err := mm.Query(observability.MetricJobsProcessed, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d metrics", len(got))
	}

	start := base.Add(time.Minute)
	end := base.Add(3 * time.Minute)
	got, err = mm.Query(observability.MetricJobsProcessed, &start, &end, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("ranged query returned %d metrics", len(got))
	}

	got, err = mm.Query(observability.MetricJobsProcessed, nil, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Value != 4 {
		t.Fatalf("limited query = %+v", got)
	}
}

func TestHeartbeatWriteAndLatest(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	hw := observability.NewHeartbeatWriter(db, "accesspipe-worker", 15*time.Second)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	hs, err := observability.LatestHeartbeat(context.Background(), db, "accesspipe-worker", 45*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil {
		t.Fatal("no heartbeat found")
	}
	if hs.WorkerName != "accesspipe-worker" || !hs.Alive || hs.StaleSince != nil {
		t.Fatalf("status = %+v", hs)
	}
	if hs.GoroutinesCount <= 0 {
		t.Fatalf("goroutines = %d", hs.GoroutinesCount)
	}
}

func TestHeartbeatStaleness(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))

	_, err := db.Exec(`
		INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp, goroutines_count, memory_alloc_mb, gc_count)
		VALUES ('accesspipe-worker', 'host1', 123, ?, 10, 4.5, 2)`,
		time.Now().Add(-5*time.Minute).Unix())
	if err != nil {
		t.Fatal(err)
	}

	hs, err := observability.LatestHeartbeat(context.Background(), db, "accesspipe-worker", 45*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if hs.Alive || hs.StaleSince == nil {
		t.Fatalf("status = %+v", hs)
	}
	if *hs.StaleSince < 3*time.Minute {
		t.Fatalf("stale_since = %v", *hs.StaleSince)
	}
}

func TestHeartbeatAbsentWorker(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	hs, err := observability.LatestHeartbeat(context.Background(), db, "no-such-worker", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs != nil {
		t.Fatalf("status = %+v", hs)
	}
}

func TestEventLoggerRoundTrip(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	logger := observability.NewEventLogger(db)
	ctx := context.Background()

	logger.LogEvent(ctx, observability.BusinessEvent{
		EventType: "document_created", ServiceName: "accesspipe",
		EntityType: "document", EntityID: "d1", UserID: "u1",
		Action: "create", Success: true,
	})
	logger.LogEvent(ctx, observability.BusinessEvent{
		EventType: "review_flagged", ServiceName: "accesspipe",
		EntityType: "document", EntityID: "d1",
		Action: "flag", Details: `{"priority":"medium"}`, Success: true,
	})
	logger.LogEvent(ctx, observability.BusinessEvent{
		EventType: "document_created", ServiceName: "accesspipe",
		EntityType: "document", EntityID: "d2",
		Action: "create", Success: true,
	})

	events, err := logger.EventsFor(ctx, "d1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	types := map[string]observability.BusinessEvent{}
	for _, e := range events {
		types[e.EventType] = e
	}
	if _, ok := types["document_created"]; !ok {
		t.Fatalf("events = %+v", events)
	}
	if flagged, ok := types["review_flagged"]; !ok || flagged.Details != `{"priority":"medium"}` {
		t.Fatalf("events = %+v", events)
	}

	limited, err := logger.EventsFor(ctx, "d1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("got %d events", len(limited))
	}
}

func TestCleanupRetention(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -60).Unix()
	recent := time.Now().Unix()

	for _, ts := range []int64{old, recent} {
		if _, err := db.Exec(`
			INSERT INTO business_event_logs (event_id, event_type, service_name, action, success, created_at)
			VALUES ('evt_' || hex(randomblob(8)), 'document_created', 'accesspipe', 'create', 1, ?)`, ts); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`
			INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp)
			VALUES ('w', 'h', 1, ?)`, ts); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`
			INSERT INTO metrics_timeseries (metric_name, timestamp, value)
			VALUES ('m', ?, 1)`, ts); err != nil {
			t.Fatal(err)
		}
	}

	err := observability.Cleanup(ctx, db, observability.RetentionConfig{
		EventLogsDays: 30, HeartbeatsDays: 30, MetricsDays: 30,
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"business_event_logs", "worker_heartbeats", "metrics_timeseries"} {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("%s: %d rows after cleanup", table, n)
		}
	}
}
