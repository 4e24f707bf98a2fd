package main

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/staffetta/internal/config"
	"github.com/banshee-data/staffetta/internal/telemetry"
)

func TestRunNodeValidatesID(t *testing.T) {
	tests := []struct {
		name    string
		id      int
		wantErr string
	}{
		{"missing", 0, "node id is required"},
		{"wraps to zero", 256, "invalid node id 256"},
		{"wraps to a valid id", 300, "invalid node id 300"},
		{"negative", -3, "invalid node id -3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runNode(context.Background(), config.EmptyNodeConfig(), tt.id, "/dev/null-staffetta", telemetry.New(), io.Discard)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
