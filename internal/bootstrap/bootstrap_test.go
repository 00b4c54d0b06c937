package bootstrap

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/blingmoon/equipment-procurement/archive"
	"github.com/blingmoon/equipment-procurement/internal/config"
	"github.com/blingmoon/equipment-procurement/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []*workflow.Message
}

func (n *recordingNotifier) Send(ctx context.Context, msg *workflow.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		DBDriver:         config.DBDriverSQLite,
		DBDSN:            ":memory:",
		ArchiveDriver:    config.ArchiveDriverMemory,
		ArchiveRoot:      "root",
		SMTPHost:         "smtp.lab.example.com",
		SMTPTLSPolicy:    "mandatory",
		ReminderFrom:     "noreply@lab.example.com",
		BatchSize:        10,
		SweepInterval:    1,
		DispatchInterval: 1,
		LogLevel:         "info",
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("组装并执行完整流程", func(t *testing.T) {
		notifier := &recordingNotifier{}
		memory := archive.NewMemory()
		app, err := New(ctx, testConfig(), &Options{Notifier: notifier, Archive: memory})
		require.NoError(t, err)
		t.Cleanup(func() { _ = app.Close() })

		actor := &workflow.Actor{ID: 1, Email: "ventas@lab.example.com", Name: "Ana"}
		req, err := app.Service.CreateRequest(ctx, &workflow.CreateRequestParams{
			Actor:         actor,
			ClientName:    "Acme Labs",
			ProviderEmail: "supplier@x.com",
			Equipment:     []*workflow.EquipmentLineItem{{Name: "Analizador", Condition: workflow.EquipmentConditionNew}},
		})
		require.NoError(t, err)
		assert.Equal(t, workflow.StateWaitingProviderResponse, req.Status)
		require.Len(t, notifier.messages, 1)
		assert.Equal(t, []string{"supplier@x.com"}, notifier.messages[0].To)
		assert.True(t, memory.HasFolder("root/Comercial/Solicitudes de Compra de Equipos"))
		assert.Len(t, memory.List(req.FolderRef), 1)

		result, err := app.Sweeper.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Matched)
		sent, failed, err := app.Dispatcher.DispatchDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, sent)
		assert.Equal(t, 0, failed)

		families, err := app.Registry.Gather()
		require.NoError(t, err)
		assert.NotEmpty(t, families)
	})

	t.Run("使用redis锁", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.RedisAddr = mr.Addr()
		app, err := New(ctx, cfg, &Options{Notifier: &recordingNotifier{}})
		require.NoError(t, err)
		t.Cleanup(func() { _ = app.Close() })
		_, err = app.Sweeper.RunOnce(ctx)
		require.NoError(t, err)
		assert.IsType(t, &archive.Memory{}, app.Archive)
	})

	t.Run("redis不可用", func(t *testing.T) {
		cfg := testConfig()
		cfg.RedisAddr = "127.0.0.1:1"
		_, err := New(ctx, cfg, &Options{Notifier: &recordingNotifier{}})
		assert.Error(t, err)
	})

	t.Run("默认使用smtp通知", func(t *testing.T) {
		app, err := New(ctx, testConfig(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = app.Close() })
		assert.NotNil(t, app.Notifier)
	})
}
