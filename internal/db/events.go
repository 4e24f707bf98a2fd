package db

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Delivery is one item received by a sink. Hops is the relay count the item
// arrived with.
type Delivery struct {
	Sink     int
	Origin   int
	Seq      int
	Hops     int
	Received time.Time
}

// RecordDelivery stores an item delivered to a sink.
func (db *DB) RecordDelivery(runID string, d Delivery) error {
	at := unixNow()
	if !d.Received.IsZero() {
		at = unixSeconds(d.Received)
	}
	_, err := db.Exec(
		`INSERT INTO deliveries (run_id, sink, origin, seq, hops, received_unix) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, d.Sink, d.Origin, d.Seq, d.Hops, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// RecordGenerated stores an item created locally by node.
func (db *DB) RecordGenerated(runID string, node, seq int) error {
	_, err := db.Exec(
		`INSERT INTO generated (run_id, node, seq, generated_unix) VALUES (?, ?, ?, ?)`,
		runID, node, seq, unixNow(),
	)
	if err != nil {
		return fmt.Errorf("failed to record generated item: %w", err)
	}
	return nil
}

// RecordRendezvous stores a completed handshake between node and peer.
func (db *DB) RecordRendezvous(runID string, node, peer, wakeups int) error {
	_, err := db.Exec(
		`INSERT INTO rendezvous (run_id, node, peer, wakeups, at_unix) VALUES (?, ?, ?, ?, ?)`,
		runID, node, peer, wakeups, unixNow(),
	)
	if err != nil {
		return fmt.Errorf("failed to record rendezvous: %w", err)
	}
	return nil
}

// RecordNodeStats stores a periodic report. dutyCycle is in permille.
func (db *DB) RecordNodeStats(runID string, node, dutyCycle, gradient int) error {
	_, err := db.Exec(
		`INSERT INTO node_stats (run_id, node, duty_cycle, gradient, at_unix) VALUES (?, ?, ?, ?, ?)`,
		runID, node, dutyCycle, gradient, unixNow(),
	)
	if err != nil {
		return fmt.Errorf("failed to record node stats: %w", err)
	}
	return nil
}

// AddRoundResults adds per-result round counts for node to the run totals.
func (db *DB) AddRoundResults(runID string, node int, counts map[string]int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO round_results (run_id, node, result, count) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, node, result) DO UPDATE SET count = count + excluded.count`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for result, n := range counts {
		if n == 0 {
			continue
		}
		if _, err := stmt.Exec(runID, node, result, n); err != nil {
			return fmt.Errorf("failed to record %s rounds: %w", result, err)
		}
	}
	return tx.Commit()
}

// Deliveries returns the latest deliveries of a run, newest first.
func (db *DB) Deliveries(runID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT sink, origin, seq, hops, received_unix FROM deliveries
		  WHERE run_id = ? ORDER BY received_unix DESC, delivery_id DESC LIMIT ?`,
		runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d  Delivery
			at float64
		)
		if err := rows.Scan(&d.Sink, &d.Origin, &d.Seq, &d.Hops, &at); err != nil {
			return nil, err
		}
		d.Received = fromUnix(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// NodeSummary aggregates what a run recorded about one node.
type NodeSummary struct {
	Node int `json:"node"`
	// Generated counts items the node reported creating.
	Generated int `json:"generated"`
	// Delivered counts every delivery of the node's items, duplicates
	// included; Unique counts distinct sequence numbers.
	Delivered int     `json:"delivered"`
	Unique    int     `json:"unique"`
	MeanHops  float64 `json:"mean_hops"`
	// Rendezvous counts handshakes the node completed as sender.
	Rendezvous int `json:"rendezvous"`
	// DutyCycle and Gradient are from the node's latest stats report,
	// -1 when it has not reported.
	DutyCycle int `json:"duty_cycle"`
	Gradient  int `json:"gradient"`
}

// NodeSummaries returns one summary per node seen in the run, ordered by
// node id.
func (db *DB) NodeSummaries(runID string) ([]NodeSummary, error) {
	byNode := map[int]*NodeSummary{}
	get := func(node int) *NodeSummary {
		s, ok := byNode[node]
		if !ok {
			s = &NodeSummary{Node: node, DutyCycle: -1, Gradient: -1}
			byNode[node] = s
		}
		return s
	}

	type scanner func(rows *sql.Rows) error
	queries := []struct {
		query string
		scan  scanner
	}{
		{
			`SELECT node, COUNT(*) FROM generated WHERE run_id = ? GROUP BY node`,
			func(rows *sql.Rows) error {
				var node, n int
				if err := rows.Scan(&node, &n); err != nil {
					return err
				}
				get(node).Generated = n
				return nil
			},
		},
		{
			`SELECT origin, COUNT(*), COUNT(DISTINCT seq), AVG(hops) FROM deliveries WHERE run_id = ? GROUP BY origin`,
			func(rows *sql.Rows) error {
				var (
					node, n, unique int
					hops            float64
				)
				if err := rows.Scan(&node, &n, &unique, &hops); err != nil {
					return err
				}
				s := get(node)
				s.Delivered, s.Unique, s.MeanHops = n, unique, hops
				return nil
			},
		},
		{
			`SELECT node, COUNT(*) FROM rendezvous WHERE run_id = ? GROUP BY node`,
			func(rows *sql.Rows) error {
				var node, n int
				if err := rows.Scan(&node, &n); err != nil {
					return err
				}
				get(node).Rendezvous = n
				return nil
			},
		},
		{
			`SELECT s.node, s.duty_cycle, s.gradient FROM node_stats s
			  WHERE s.run_id = ? AND s.stats_id = (
			    SELECT MAX(stats_id) FROM node_stats WHERE run_id = s.run_id AND node = s.node)`,
			func(rows *sql.Rows) error {
				var node, dc, grad int
				if err := rows.Scan(&node, &dc, &grad); err != nil {
					return err
				}
				s := get(node)
				s.DutyCycle, s.Gradient = dc, grad
				return nil
			},
		},
	}

	for _, q := range queries {
		if err := db.each(q.scan, q.query, runID); err != nil {
			return nil, err
		}
	}

	out := make([]NodeSummary, 0, len(byNode))
	for _, s := range byNode {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out, nil
}

// DutyCycles returns every duty cycle report of the run keyed by node, in
// report order.
func (db *DB) DutyCycles(runID string) (map[int][]int, error) {
	out := map[int][]int{}
	err := db.each(func(rows *sql.Rows) error {
		var node, dc int
		if err := rows.Scan(&node, &dc); err != nil {
			return err
		}
		out[node] = append(out[node], dc)
		return nil
	}, `SELECT node, duty_cycle FROM node_stats WHERE run_id = ? ORDER BY stats_id`, runID)
	return out, err
}

// RoundResults returns the per-node round outcome totals of a run.
func (db *DB) RoundResults(runID string) (map[int]map[string]int, error) {
	out := map[int]map[string]int{}
	err := db.each(func(rows *sql.Rows) error {
		var (
			node, n int
			result  string
		)
		if err := rows.Scan(&node, &result, &n); err != nil {
			return err
		}
		if out[node] == nil {
			out[node] = map[string]int{}
		}
		out[node][result] = n
		return nil
	}, `SELECT node, result, count FROM round_results WHERE run_id = ?`, runID)
	return out, err
}

func (db *DB) each(scan func(*sql.Rows) error, query string, args ...any) error {
	rows, err := db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
