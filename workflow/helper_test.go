package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	testActor  = &Actor{ID: 1001, Email: "ventas@lab.example.com", Name: "Ana Ventas"}
	otherActor = &Actor{ID: 2002, Email: "otro@lab.example.com", Name: "Otro Usuario"}
)

// newTestDB 内存数据库, 只保留一个连接, 多个 goroutine 看到同一个库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeArchive struct {
	mu       sync.Mutex
	seq      int
	folders  map[string]string    // parentRef/name -> ref
	docs     map[string]*Document // ref -> doc
	storeErr map[string]error     // 文档名前缀 -> 错误
	onStore  func(doc *Document)
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		folders:  make(map[string]string),
		docs:     make(map[string]*Document),
		storeErr: make(map[string]error),
	}
}

func (a *fakeArchive) EnsureFolder(ctx context.Context, name string, parentRef string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := parentRef + "/" + name
	if ref, ok := a.folders[key]; ok {
		return ref, nil
	}
	a.seq++
	ref := fmt.Sprintf("folder-%d", a.seq)
	a.folders[key] = ref
	return ref, nil
}

func (a *fakeArchive) Store(ctx context.Context, folderRef string, doc *Document) (string, error) {
	if a.onStore != nil {
		a.onStore(doc)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for prefix, err := range a.storeErr {
		if strings.HasPrefix(doc.Name, prefix) {
			return "", err
		}
	}
	a.seq++
	ref := fmt.Sprintf("%s/doc-%d", folderRef, a.seq)
	a.docs[ref] = doc
	return ref, nil
}

func (a *fakeArchive) docCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.docs)
}

func (a *fakeArchive) doc(ref string) *Document {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.docs[ref]
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []*Message
	err      error
}

func (n *fakeNotifier) Send(ctx context.Context, msg *Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, msg)
	return nil
}

func (n *fakeNotifier) sent() []*Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Message(nil), n.messages...)
}

type fakeReminders struct {
	mu        sync.Mutex
	reminders []*Reminder
	err       error
}

func (r *fakeReminders) ScheduleAllDay(ctx context.Context, reminder *Reminder) (*ReminderRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.reminders = append(r.reminders, reminder)
	return &ReminderRef{ID: fmt.Sprintf("reminder-%d", len(r.reminders)), Link: "https://calendar.example.com/r"}, nil
}

func (r *fakeReminders) scheduled() []*Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Reminder(nil), r.reminders...)
}

type failingDownstream struct {
	err error
}

func (d *failingDownstream) Create(ctx context.Context, payload *InspectionPayload) (string, error) {
	return "", d.err
}

type testEnv struct {
	db          *gorm.DB
	repo        ProcurementRepo
	inspections InspectionRequestRepo
	archive     *fakeArchive
	notifier    *fakeNotifier
	reminders   *fakeReminders
	clock       *testClock
	registry    *prometheus.Registry
	metrics     *Metrics
	service     *ProcurementServiceImpl
}

func newTestEnv(t *testing.T, opts ...func(deps *ServiceDeps)) *testEnv {
	t.Helper()
	db := newTestDB(t)
	registry := prometheus.NewRegistry()
	env := &testEnv{
		db:          db,
		repo:        NewProcurementRepo(db),
		inspections: NewInspectionRequestRepo(db),
		archive:     newFakeArchive(),
		notifier:    &fakeNotifier{},
		reminders:   &fakeReminders{},
		clock:       newTestClock(),
		registry:    registry,
		metrics:     NewMetrics(registry),
	}
	deps := &ServiceDeps{
		Repo:           env.repo,
		Archive:        env.archive,
		Notifier:       env.notifier,
		Reminders:      env.reminders,
		Downstream:     env.inspections,
		Observers:      []TransitionObserver{NewLogObserver(nil), env.metrics},
		Metrics:        env.metrics,
		Now:            env.clock.Now,
		ArchiveRootRef: "root",
	}
	for _, opt := range opts {
		opt(deps)
	}
	service, err := NewProcurementService(deps)
	require.NoError(t, err)
	env.service = service
	return env
}

func testDocument(name string) *Document {
	return &Document{Name: name, Content: []byte("%PDF-1.4 test")}
}

func (e *testEnv) create(t *testing.T) *ProcurementRequest {
	t.Helper()
	req, err := e.service.CreateRequest(context.Background(), &CreateRequestParams{
		Actor:         testActor,
		ClientID:      Int64(77),
		ClientName:    "Clínica San Rafael",
		ClientEmail:   "compras@sanrafael.example.com",
		ProviderEmail: "pedidos@proveedor.example.com",
		Equipment: []*EquipmentLineItem{
			{Name: "Analizador BC-5150", Serial: "SN-001", Condition: EquipmentConditionNew},
			{Name: "Centrífuga", Condition: EquipmentConditionCertifiedUsed},
		},
		Notes:       "Entrega en planta baja",
		RequiresLIS: true,
	})
	require.NoError(t, err)
	return req
}

// advance 创建一个采购申请并推进到 target 状态
func (e *testEnv) advance(t *testing.T, target State) *ProcurementRequest {
	t.Helper()
	ctx := context.Background()
	req := e.create(t)
	if target == StateWaitingProviderResponse {
		return req
	}
	req, err := e.service.RecordProviderResponse(ctx, &RecordProviderResponseParams{
		ID:      req.ID,
		Actor:   testActor,
		Outcome: ProviderOutcomeAvailable,
	})
	require.NoError(t, err)
	if target == StateWaitingProforma {
		return req
	}
	req, err = e.service.UploadQuote(ctx, &UploadDocumentParams{ID: req.ID, Actor: testActor, Document: testDocument("proforma.pdf")})
	require.NoError(t, err)
	if target == StateProformaReceived {
		return req
	}
	req, err = e.service.ReserveEquipment(ctx, &RequestTargetParams{ID: req.ID, Actor: testActor})
	require.NoError(t, err)
	if target == StateWaitingSignedForm {
		return req
	}
	req, err = e.service.UploadSignedQuoteWithInspection(ctx, &UploadSignedQuoteParams{
		ID:                 req.ID,
		Actor:              testActor,
		Document:           testDocument("proforma-firmada.pdf"),
		InspectionEarliest: "2025-04-01",
		InspectionLatest:   "2025-04-15",
		IncludesStarterKit: true,
	})
	require.NoError(t, err)
	if target == StatePendingContract {
		return req
	}
	req, err = e.service.UploadContract(ctx, &UploadDocumentParams{ID: req.ID, Actor: testActor, Document: testDocument("contrato.pdf")})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, req.Status)
	return req
}
