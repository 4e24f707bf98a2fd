// Package console defines the text lines nodes print on their serial
// console and parses them back on the gateway side.
//
// A line is a kind keyword followed by decimal fields:
//
//	deliver <data> <seq> <ttl>      sink received a relayed item
//	rendezvous <peer> <wakeups>     handshake completed with peer
//	stats <dutycycle> <gradient>    periodic node report
//	generate <node> <seq>           item created locally
//
// When several nodes share one stream each line is prefixed with "@<node> ".
package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind names a console line type.
type Kind string

const (
	KindDeliver    Kind = "deliver"
	KindRendezvous Kind = "rendezvous"
	KindStats      Kind = "stats"
	KindGenerate   Kind = "generate"
)

var fieldCount = map[Kind]int{
	KindDeliver:    3,
	KindRendezvous: 2,
	KindStats:      2,
	KindGenerate:   2,
}

// ErrUnknownLine is returned for lines that are not console events.
var ErrUnknownLine = errors.New("console: unknown line")

// Event is one parsed console line. Node is zero when the line carried no
// node prefix.
type Event struct {
	Node   int
	Kind   Kind
	Fields []int
}

// Format renders an event without a node prefix.
func Format(kind Kind, fields ...int) string {
	var b strings.Builder
	b.WriteString(string(kind))
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(f))
	}
	return b.String()
}

// FormatTagged renders an event prefixed with its node id.
func FormatTagged(node int, kind Kind, fields ...int) string {
	return "@" + strconv.Itoa(node) + " " + Format(kind, fields...)
}

// Parse decodes a console line.
func Parse(line string) (Event, error) {
	words := strings.Fields(line)
	var ev Event
	if len(words) > 0 && strings.HasPrefix(words[0], "@") {
		n, err := strconv.Atoi(words[0][1:])
		if err != nil {
			return Event{}, fmt.Errorf("%w: bad node prefix %q", ErrUnknownLine, words[0])
		}
		ev.Node = n
		words = words[1:]
	}
	if len(words) == 0 {
		return Event{}, ErrUnknownLine
	}

	ev.Kind = Kind(words[0])
	want, ok := fieldCount[ev.Kind]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownLine, words[0])
	}
	if len(words)-1 != want {
		return Event{}, fmt.Errorf("%w: %s wants %d fields, got %d", ErrUnknownLine, ev.Kind, want, len(words)-1)
	}
	ev.Fields = make([]int, want)
	for i, w := range words[1:] {
		v, err := strconv.Atoi(w)
		if err != nil {
			return Event{}, fmt.Errorf("%w: field %d of %s: %v", ErrUnknownLine, i+1, ev.Kind, err)
		}
		ev.Fields[i] = v
	}
	return ev, nil
}
