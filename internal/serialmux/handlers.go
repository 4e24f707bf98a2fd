package serialmux

import (
	"context"
	"fmt"
	"log"

	"github.com/banshee-data/staffetta/internal/console"
	"github.com/banshee-data/staffetta/internal/db"
)

// Source identifies where console lines are recorded. Node is the id used
// for lines that carry no "@<node>" prefix, normally the sink the gateway is
// attached to.
type Source struct {
	RunID string
	Node  int
}

// HandleEvent parses one console line and stores it. Lines that are not
// console events are logged and ignored.
func HandleEvent(d *db.DB, src Source, payload string) error {
	ev, err := console.Parse(payload)
	if err != nil {
		log.Printf("unknown event type: %s", payload)
		return nil
	}
	node := ev.Node
	if node == 0 {
		node = src.Node
	}
	f := ev.Fields

	switch ev.Kind {
	case console.KindDeliver:
		err = d.RecordDelivery(src.RunID, db.Delivery{Sink: node, Origin: f[0], Seq: f[1], Hops: f[2]})
	case console.KindGenerate:
		err = d.RecordGenerated(src.RunID, f[0], f[1])
	case console.KindRendezvous:
		err = d.RecordRendezvous(src.RunID, node, f[0], f[1])
	case console.KindStats:
		err = d.RecordNodeStats(src.RunID, node, f[0], f[1])
	}
	if err != nil {
		return fmt.Errorf("failed to handle %s event: %w", ev.Kind, err)
	}
	return nil
}

// Ingest stores every line received on lines until the channel is closed or
// ctx is done. Callers subscribe before the mux starts monitoring so no
// line is missed. Handler errors are logged and do not stop ingestion.
func Ingest(ctx context.Context, lines <-chan string, d *db.DB, src Source) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := HandleEvent(d, src, line); err != nil {
				log.Printf("console ingest: %v", err)
			}
		}
	}
}
