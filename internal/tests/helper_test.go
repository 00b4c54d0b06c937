package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blingmoon/equipment-procurement/archive"
	"github.com/blingmoon/equipment-procurement/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seller = &workflow.Actor{ID: 1001, Email: "ventas@lab.example.com", Name: "Ana Ventas"}

// outbox 记录发出的邮件
type outbox struct {
	mu       sync.Mutex
	messages []*workflow.Message
}

func (o *outbox) Send(ctx context.Context, msg *workflow.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return nil
}

func (o *outbox) all() []*workflow.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*workflow.Message(nil), o.messages...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type system struct {
	db          *gorm.DB
	repo        workflow.ProcurementRepo
	reminders   workflow.ReminderRepo
	inspections workflow.InspectionRequestRepo
	archive     *archive.Memory
	outbox      *outbox
	clock       *clock
	metrics     *workflow.Metrics
	service     workflow.ProcurementService
}

func newSystem(t *testing.T, start time.Time) *system {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, workflow.AutoMigrate(db))

	s := &system{
		db:          db,
		repo:        workflow.NewProcurementRepo(db),
		reminders:   workflow.NewReminderRepo(db),
		inspections: workflow.NewInspectionRequestRepo(db),
		archive:     archive.NewMemory(),
		outbox:      &outbox{},
		clock:       &clock{now: start},
		metrics:     workflow.NewMetrics(prometheus.NewRegistry()),
	}
	s.service, err = workflow.NewProcurementService(&workflow.ServiceDeps{
		Repo:           s.repo,
		Archive:        s.archive,
		Notifier:       s.outbox,
		Reminders:      s.reminders,
		Downstream:     s.inspections,
		Observers:      []workflow.TransitionObserver{s.metrics},
		Metrics:        s.metrics,
		Now:            s.clock.Now,
		ArchiveRootRef: "drive",
	})
	require.NoError(t, err)
	return s
}

func pdf(name string) *workflow.Document {
	return &workflow.Document{Name: name, Content: []byte("%PDF-1.4 " + name)}
}

func (s *system) create(t *testing.T) *workflow.ProcurementRequest {
	t.Helper()
	req, err := s.service.CreateRequest(context.Background(), &workflow.CreateRequestParams{
		Actor:         seller,
		ClientName:    "Acme Labs",
		ClientEmail:   "compras@acme.example.com",
		ProviderEmail: "supplier@x.com",
		Equipment: []*workflow.EquipmentLineItem{
			{Name: "Analizador BC-5150", Serial: "SN-001", Condition: workflow.EquipmentConditionNew},
			{Name: "Centrífuga", Condition: workflow.EquipmentConditionCertifiedUsed},
		},
		RequiresLIS: true,
	})
	require.NoError(t, err)
	return req
}

// reserve 创建并推进到 waiting_signed_proforma
func (s *system) reserve(t *testing.T) *workflow.ProcurementRequest {
	t.Helper()
	ctx := context.Background()
	req := s.create(t)
	_, err := s.service.RecordProviderResponse(ctx, &workflow.RecordProviderResponseParams{ID: req.ID, Actor: seller, Outcome: workflow.ProviderOutcomeAvailable})
	require.NoError(t, err)
	_, err = s.service.UploadQuote(ctx, &workflow.UploadDocumentParams{ID: req.ID, Actor: seller, Document: pdf("proforma.pdf")})
	require.NoError(t, err)
	req, err = s.service.ReserveEquipment(ctx, &workflow.RequestTargetParams{ID: req.ID, Actor: seller})
	require.NoError(t, err)
	return req
}
