package integration_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatengine/internal/database"
	"chatengine/internal/models"
	"chatengine/internal/notify/notifytest"
	"chatengine/internal/service"
	"chatengine/pkg/media"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// TestEnvironment wires a real engine to a SQLite file, a local media
// directory and a fake gateway. Everything lives under a per-test temp dir.
type TestEnvironment struct {
	t        *testing.T
	Config   *models.Config
	DB       *database.Database
	Engine   *service.Engine
	Gateway  *FakeGateway
	Events   *notifytest.Recorder
	MediaDir string
}

func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	dir := t.TempDir()

	gateway := NewFakeGateway()
	t.Cleanup(gateway.Close)

	cfg := &models.Config{
		Database: models.DatabaseConfig{Path: filepath.Join(dir, "chatengine.db")},
		WhatsApp: models.WhatsAppConfig{APIBaseURL: gateway.URL(), TimeoutMs: 2000},
		Media:    models.MediaConfig{Storage: "local", CacheDir: filepath.Join(dir, "media")},
		Engine: models.EngineConfig{
			MaxSessions:       5,
			TickIntervalMs:    20,
			SendTimeoutMs:     2000,
			MaxRetries:        models.MaxRetries,
			RetryBaseDelayMs:  100,
			Workers:           2,
			ReconnectDelaySec: 1,
			ConnectTimeoutSec: 5,
			HealthCheckSec:    3600,
			DedupeTTLMin:      10,
			DefaultRateLimit:  20,
		},
	}

	db, err := database.Open(context.Background(), cfg.Database.Path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := media.NewLocalStore(cfg.Media.CacheDir, "http://chatengine.test")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	events := &notifytest.Recorder{}
	engine, err := service.NewEngine(cfg, db, service.Options{
		MediaStore: store,
		Notifier:   events,
	}, logger)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Shutdown)

	return &TestEnvironment{
		t:        t,
		Config:   cfg,
		DB:       db,
		Engine:   engine,
		Gateway:  gateway,
		Events:   events,
		MediaDir: store.Dir(),
	}
}

// Connect creates a WhatsApp session for tenant and requires it to come up.
func (env *TestEnvironment) Connect(tenant string) *models.Session {
	env.t.Helper()
	s, err := env.Engine.CreateSession(context.Background(), tenant, models.PlatformWhatsApp, "")
	require.NoError(env.t, err)
	require.Equal(env.t, models.SessionStatusConnected, s.Status)
	return s
}

// Webhook delivers a gateway webhook body for tenant.
func (env *TestEnvironment) Webhook(tenant string, body []byte) (created, duplicates int) {
	env.t.Helper()
	res := env.Engine.ProcessWebhook(context.Background(), tenant, models.PlatformWhatsApp, body)
	return res.Created, res.Duplicates
}

// SessionStatus reports the current status of a tenant's WhatsApp session.
func (env *TestEnvironment) SessionStatus(tenant string) models.SessionStatus {
	s, err := env.Engine.Session(tenant, models.PlatformWhatsApp)
	if err != nil {
		return ""
	}
	return s.Status
}

// StoredMedia lists the files written to the local media directory.
func (env *TestEnvironment) StoredMedia() []string {
	var files []string
	_ = filepath.Walk(env.MediaDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && !strings.HasPrefix(info.Name(), ".") {
			files = append(files, path)
		}
		return nil
	})
	return files
}

// Eventually polls cond with a budget suited to the 20ms dispatcher tick.
func (env *TestEnvironment) Eventually(cond func() bool, msg string) {
	env.t.Helper()
	require.Eventually(env.t, cond, 5*time.Second, 20*time.Millisecond, msg)
}
