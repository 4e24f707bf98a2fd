package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_Migrates(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	for _, table := range []string{"runs", "deliveries", "generated", "rendezvous", "node_stats", "round_results"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s missing", table)
	}
}

func TestNewDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	runID, err := db.StartRun("gateway", 0, "")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	latest, err := db.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, runID, latest)
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.MigrateDown())

	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='rendezvous'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp())
}

func TestRuns(t *testing.T) {
	db := newTestDB(t)

	latest, err := db.LatestRun()
	require.NoError(t, err)
	assert.Empty(t, latest)

	id, err := db.StartRun("sim", 9, "line")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err, "run id should be a uuid")

	require.NoError(t, db.EndRun(id))
	assert.Error(t, db.EndRun(uuid.NewString()))

	runs, err := db.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "sim", runs[0].Mode)
	assert.Equal(t, 9, runs[0].Nodes)
	assert.Equal(t, "line", runs[0].Note)
	require.NotNil(t, runs[0].Ended)
	assert.False(t, runs[0].Ended.Before(runs[0].Started))
}

func TestRecordDeliveryRequiresRun(t *testing.T) {
	db := newTestDB(t)
	err := db.RecordDelivery("no-such-run", Delivery{Sink: 1, Origin: 2, Seq: 3, Hops: 1})
	assert.Error(t, err)
}

func TestDeliveries(t *testing.T) {
	db := newTestDB(t)
	runID, err := db.StartRun("gateway", 0, "")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.RecordDelivery(runID, Delivery{
			Sink: 1, Origin: 4, Seq: i, Hops: i + 1, Received: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := db.Deliveries(runID, 2)
	require.NoError(t, err)
	want := []Delivery{
		{Sink: 1, Origin: 4, Seq: 2, Hops: 3, Received: base.Add(2 * time.Second)},
		{Sink: 1, Origin: 4, Seq: 1, Hops: 2, Received: base.Add(time.Second)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Deliveries() mismatch (-want +got):\n%s", diff)
	}
}

func TestNodeSummaries(t *testing.T) {
	db := newTestDB(t)
	runID, err := db.StartRun("sim", 3, "")
	require.NoError(t, err)
	other, err := db.StartRun("sim", 3, "")
	require.NoError(t, err)

	for seq := 0; seq < 4; seq++ {
		require.NoError(t, db.RecordGenerated(runID, 2, seq))
	}
	require.NoError(t, db.RecordGenerated(runID, 3, 0))
	require.NoError(t, db.RecordGenerated(other, 2, 99))

	// seq 1 is delivered twice along different paths
	require.NoError(t, db.RecordDelivery(runID, Delivery{Sink: 1, Origin: 2, Seq: 0, Hops: 1}))
	require.NoError(t, db.RecordDelivery(runID, Delivery{Sink: 1, Origin: 2, Seq: 1, Hops: 1}))
	require.NoError(t, db.RecordDelivery(runID, Delivery{Sink: 1, Origin: 2, Seq: 1, Hops: 4}))

	require.NoError(t, db.RecordRendezvous(runID, 2, 1, 10))
	require.NoError(t, db.RecordRendezvous(runID, 3, 2, 12))
	require.NoError(t, db.RecordNodeStats(runID, 2, 40, 30))
	require.NoError(t, db.RecordNodeStats(runID, 2, 35, 28))

	got, err := db.NodeSummaries(runID)
	require.NoError(t, err)
	want := []NodeSummary{
		{Node: 2, Generated: 4, Delivered: 3, Unique: 2, MeanHops: 2, Rendezvous: 1, DutyCycle: 35, Gradient: 28},
		{Node: 3, Generated: 1, Rendezvous: 1, DutyCycle: -1, Gradient: -1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NodeSummaries() mismatch (-want +got):\n%s", diff)
	}

	dcs, err := db.DutyCycles(runID)
	require.NoError(t, err)
	assert.Equal(t, map[int][]int{2: {40, 35}}, dcs)
}

func TestAddRoundResults(t *testing.T) {
	db := newTestDB(t)
	runID, err := db.StartRun("sim", 2, "")
	require.NoError(t, err)

	require.NoError(t, db.AddRoundResults(runID, 2, map[string]int{"fast_forward": 3, "no_receive": 1, "empty_queue": 0}))
	require.NoError(t, db.AddRoundResults(runID, 2, map[string]int{"fast_forward": 2}))
	require.NoError(t, db.AddRoundResults(runID, 3, map[string]int{"wrong_checksum": 1}))

	got, err := db.RoundResults(runID)
	require.NoError(t, err)
	assert.Equal(t, map[int]map[string]int{
		2: {"fast_forward": 5, "no_receive": 1},
		3: {"wrong_checksum": 1},
	}, got)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	_, err := db.StartRun("gateway", 0, "")
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())
}
