package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/banshee-data/staffetta/internal/config"
	"github.com/banshee-data/staffetta/internal/mac"
	"github.com/banshee-data/staffetta/internal/radio"
	"github.com/banshee-data/staffetta/internal/telemetry"
)

// runNode drives one node's MAC over the radio bridge on portPath until ctx
// is cancelled. Console lines go to out, where a gateway can collect them.
func runNode(ctx context.Context, cfg *config.NodeConfig, id int, portPath string, metrics *telemetry.Metrics, out io.Writer) error {
	if id == 0 && cfg.GetNodeID() == 0 {
		return errors.New("node id is required (-id or node_id)")
	}
	macCfg, err := cfg.ToMAC(id)
	if err != nil {
		return err
	}

	bridge, err := radio.OpenBridge(portPath, cfg.GetSerial())
	if err != nil {
		return fmt.Errorf("failed to open radio bridge: %w", err)
	}
	defer bridge.Close()

	events := mac.MultiEvents{mac.NewConsole(out), metrics.Events(macCfg.NodeID)}
	e, err := mac.New(macCfg, bridge, mac.WithEvents(events))
	if err != nil {
		return err
	}
	runner := mac.NewRunner(e, cfg.ToRunner())
	runner.Observe(metrics.RoundObserver(e))

	log.Printf("node %d running as %s on %s", macCfg.NodeID, e.Role(), portPath)
	err = runner.Run(ctx)
	if bridgeErr := bridge.Err(); bridgeErr != nil {
		log.Printf("radio bridge error: %v", bridgeErr)
	}
	if errors.Is(err, context.Canceled) {
		log.Printf("node %d stopped", macCfg.NodeID)
		return nil
	}
	return err
}
