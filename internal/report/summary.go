// Package report turns a recorded run into delivery and energy figures: the
// text summary printed after a deployment or simulation, a PNG of duty cycle
// reports and an HTML dashboard.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/staffetta/internal/db"
)

// DefaultPerNode is the number of items each relay is expected to deliver
// in a test run.
const DefaultPerNode = 10

// Summary is the analysis of one run.
type Summary struct {
	RunID string
	// Expected is the number of relays the success ratio is computed
	// against; PerNode is the number of items each should deliver.
	Expected int
	PerNode  int

	// Received counts distinct (origin, seq) pairs seen at the sinks.
	Received int
	// Success is Received / (Expected * PerNode).
	Success float64
	// Generated counts items the relays reported creating, and
	// DeliveryRatio is Received / Generated.
	Generated     int
	DeliveryRatio float64

	// MeanHops and VarHops are weighted by each node's delivery count.
	MeanHops float64
	VarHops  float64
	// DutyCycle maps each reporting node to its last reported radio-on
	// fraction (0..1). Mean and variance are population figures.
	DutyCycle     map[int]float64
	MeanDutyCycle float64
	VarDutyCycle  float64

	// Rounds totals round outcomes over all nodes.
	Rounds map[string]int

	Nodes []db.NodeSummary
}

// Summarize computes a Summary from per-node figures. sinks are excluded
// from the duty cycle statistics. expected <= 0 counts the nodes that
// generated items; perNode <= 0 uses DefaultPerNode.
func Summarize(nodes []db.NodeSummary, sinks []int, expected, perNode int) Summary {
	if perNode <= 0 {
		perNode = DefaultPerNode
	}
	isSink := make(map[int]bool, len(sinks))
	for _, s := range sinks {
		isSink[s] = true
	}

	s := Summary{
		PerNode:   perNode,
		DutyCycle: map[int]float64{},
		Rounds:    map[string]int{},
		Nodes:     nodes,
	}

	var (
		hops, hopWeights []float64
		duty             []float64
		generators       int
	)
	for _, n := range nodes {
		s.Received += n.Unique
		s.Generated += n.Generated
		if n.Generated > 0 {
			generators++
		}
		if n.Delivered > 0 {
			hops = append(hops, n.MeanHops)
			hopWeights = append(hopWeights, float64(n.Delivered))
		}
		if n.DutyCycle >= 0 && !isSink[n.Node] {
			v := float64(n.DutyCycle) / 1000
			s.DutyCycle[n.Node] = v
			duty = append(duty, v)
		}
	}

	if expected <= 0 {
		expected = generators
	}
	s.Expected = expected
	if expected > 0 {
		s.Success = float64(s.Received) / float64(expected*perNode)
	}
	if s.Generated > 0 {
		s.DeliveryRatio = float64(s.Received) / float64(s.Generated)
	}
	if len(hops) > 0 {
		s.MeanHops = stat.Mean(hops, hopWeights)
		s.VarHops = weightedPopVariance(hops, hopWeights, s.MeanHops)
	}
	if len(duty) > 0 {
		s.MeanDutyCycle, s.VarDutyCycle = stat.PopMeanVariance(duty, nil)
	}
	return s
}

func weightedPopVariance(x, w []float64, mean float64) float64 {
	var num, den float64
	for i, v := range x {
		d := v - mean
		num += w[i] * d * d
		den += w[i]
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Load reads a run from d and summarizes it.
func Load(d *db.DB, runID string, sinks []int, expected, perNode int) (Summary, error) {
	nodes, err := d.NodeSummaries(runID)
	if err != nil {
		return Summary{}, fmt.Errorf("load node summaries: %w", err)
	}
	s := Summarize(nodes, sinks, expected, perNode)
	s.RunID = runID

	rounds, err := d.RoundResults(runID)
	if err != nil {
		return Summary{}, fmt.Errorf("load round results: %w", err)
	}
	for _, byResult := range rounds {
		for res, n := range byResult {
			s.Rounds[res] += n
		}
	}
	return s, nil
}

// WriteText prints the summary in the layout of the deployment's analysis
// output.
func WriteText(w io.Writer, s Summary) error {
	var b strings.Builder
	if s.RunID != "" {
		fmt.Fprintf(&b, "run: %s\n", s.RunID)
	}
	fmt.Fprintf(&b, "count: %d\n", s.Received)
	fmt.Fprintf(&b, "success: %.3f\n", s.Success)
	fmt.Fprintf(&b, "generated: %d (delivery ratio %.3f)\n", s.Generated, s.DeliveryRatio)
	fmt.Fprintf(&b, "hops: mean %.2f var %.2f\n", s.MeanHops, s.VarHops)
	fmt.Fprintf(&b, "avg power: %.4f\n", s.MeanDutyCycle)
	fmt.Fprintf(&b, "var power: %.6f\n", s.VarDutyCycle)

	ids := make([]int, 0, len(s.DutyCycle))
	for id := range s.DutyCycle {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	b.WriteString("power:")
	for _, id := range ids {
		fmt.Fprintf(&b, " %d=%.3f", id, s.DutyCycle[id])
	}
	b.WriteByte('\n')

	if len(s.Rounds) > 0 {
		results := make([]string, 0, len(s.Rounds))
		for r := range s.Rounds {
			results = append(results, r)
		}
		sort.Strings(results)
		b.WriteString("rounds:")
		for _, r := range results {
			fmt.Fprintf(&b, " %s=%d", r, s.Rounds[r])
		}
		b.WriteByte('\n')
	}

	_, err := io.WriteString(w, b.String())
	return err
}
