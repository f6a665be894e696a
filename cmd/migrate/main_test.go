package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMigrator struct {
	upSteps   int
	downSteps int
	calls     []string
	err       error
	statusErr error
}

func (m *stubMigrator) MigrateUp(_ context.Context, steps int) error {
	m.calls = append(m.calls, "up")
	m.upSteps = steps
	return m.err
}

func (m *stubMigrator) MigrateDown(_ context.Context, steps int) error {
	m.calls = append(m.calls, "down")
	m.downSteps = steps
	return m.err
}

func (m *stubMigrator) MigrationStatus(context.Context) (int64, int, error) {
	m.calls = append(m.calls, "status")
	return 3, 3, m.statusErr
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ORDERS_STORAGE_POSTGRES_DSN", "")

	tests := []struct {
		name      string
		args      []string
		direction string
		steps     int
		wantErr   string
	}{
		{name: "defaults to up", args: []string{"-dsn=postgres://localhost/orders"}, direction: "up"},
		{name: "down defaults to one step", args: []string{"-dsn=postgres://localhost/orders", "-direction=DOWN"}, direction: "down", steps: 1},
		{name: "explicit steps", args: []string{"-dsn=postgres://localhost/orders", "-direction=up", "-steps=2"}, direction: "up", steps: 2},
		{name: "missing dsn", args: []string{"-direction=status"}, wantErr: "is required"},
		{name: "bad direction", args: []string{"-dsn=postgres://localhost/orders", "-direction=sideways"}, wantErr: "unsupported direction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.direction, cfg.Direction)
			assert.Equal(t, tt.steps, cfg.Steps)
		})
	}
}

func TestLoadConfigDSNFromEnv(t *testing.T) {
	t.Setenv("ORDERS_STORAGE_POSTGRES_DSN", " postgres://env/orders ")

	cfg, err := loadConfig([]string{})
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/orders", cfg.DSN)
}

func TestRun(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config
		wantCalls []string
	}{
		{name: "up", cfg: config{Direction: "up"}, wantCalls: []string{"up", "status"}},
		{name: "down", cfg: config{Direction: "down", Steps: 1}, wantCalls: []string{"down", "status"}},
		{name: "status", cfg: config{Direction: "status"}, wantCalls: []string{"status"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &stubMigrator{}
			var out bytes.Buffer

			require.NoError(t, run(context.Background(), m, tt.cfg, &out))
			assert.Equal(t, tt.wantCalls, m.calls)
			assert.Equal(t, "migrate "+tt.name+" ok: version=3 applied=3\n", out.String())
		})
	}
}

func TestRunErrors(t *testing.T) {
	boom := errors.New("boom")

	err := run(context.Background(), &stubMigrator{err: boom}, config{Direction: "up"}, &bytes.Buffer{})
	require.ErrorIs(t, err, boom)

	err = run(context.Background(), &stubMigrator{statusErr: boom}, config{Direction: "status"}, &bytes.Buffer{})
	require.ErrorIs(t, err, boom)

	err = run(context.Background(), &stubMigrator{}, config{Direction: "sideways"}, &bytes.Buffer{})
	require.Error(t, err)
}
