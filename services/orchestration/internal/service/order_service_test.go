package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/delivery-platform/pkg/outbox"
	"example.com/delivery-platform/services/orchestration/internal/domain"
	"example.com/delivery-platform/services/orchestration/internal/saga"
	"example.com/delivery-platform/services/orchestration/internal/saga/steps"
)

// =============================================================================
// Моки
// =============================================================================

type mockOrderRepository struct {
	mock.Mock
}

func (m *mockOrderRepository) Create(ctx context.Context, tx *gorm.DB, order *domain.Order) error {
	return m.Called(ctx, tx, order).Error(0)
}

func (m *mockOrderRepository) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *mockOrderRepository) Update(ctx context.Context, tx *gorm.DB, order *domain.Order) error {
	return m.Called(ctx, tx, order).Error(0)
}

func (m *mockOrderRepository) ListByCustomer(ctx context.Context, customerID string, offset, limit int) ([]*domain.Order, int64, error) {
	args := m.Called(ctx, customerID, offset, limit)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Order), args.Get(1).(int64), args.Error(2)
}

type mockSagaRepository struct {
	mock.Mock
}

func (m *mockSagaRepository) Create(ctx context.Context, tx *gorm.DB, sg *saga.Saga) error {
	return m.Called(ctx, tx, sg).Error(0)
}

func (m *mockSagaRepository) GetByID(ctx context.Context, sagaID string) (*saga.Saga, error) {
	args := m.Called(ctx, sagaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*saga.Saga), args.Error(1)
}

func (m *mockSagaRepository) GetByAggregateID(ctx context.Context, aggregateID string) (*saga.Saga, error) {
	args := m.Called(ctx, aggregateID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*saga.Saga), args.Error(1)
}

func (m *mockSagaRepository) Update(ctx context.Context, tx *gorm.DB, sg *saga.Saga) error {
	return m.Called(ctx, tx, sg).Error(0)
}

func (m *mockSagaRepository) ListByStatus(ctx context.Context, status saga.Status, limit int) ([]*saga.Saga, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*saga.Saga), args.Error(1)
}

func (m *mockSagaRepository) ListUnfinished(ctx context.Context, limit int) ([]*saga.Saga, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*saga.Saga), args.Error(1)
}

type mockCoordinator struct {
	mock.Mock
}

func (m *mockCoordinator) StartSaga(ctx context.Context, tx *gorm.DB, opts saga.StartOptions) (*saga.Saga, error) {
	args := m.Called(ctx, tx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*saga.Saga), args.Error(1)
}

func (m *mockCoordinator) Enqueue(sagaID string) {
	m.Called(sagaID)
}

func (m *mockCoordinator) ExecuteSaga(ctx context.Context, sagaID string) error {
	return m.Called(ctx, sagaID).Error(0)
}

func (m *mockCoordinator) CancelSaga(ctx context.Context, sagaID, reason string) error {
	return m.Called(ctx, sagaID, reason).Error(0)
}

func (m *mockCoordinator) GetSaga(ctx context.Context, sagaID string) (*saga.Saga, error) {
	args := m.Called(ctx, sagaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*saga.Saga), args.Error(1)
}

func (m *mockCoordinator) ListFailed(ctx context.Context, limit int) ([]*saga.Saga, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*saga.Saga), args.Error(1)
}

type mockOutboxRepository struct {
	mock.Mock
}

func (m *mockOutboxRepository) Append(ctx context.Context, tx *gorm.DB, event *outbox.Event) error {
	return m.Called(ctx, tx, event).Error(0)
}

func (m *mockOutboxRepository) ClaimBatch(ctx context.Context, limit, maxRetries int, lease time.Duration) ([]*outbox.Event, error) {
	args := m.Called(ctx, limit, maxRetries, lease)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Event), args.Error(1)
}

func (m *mockOutboxRepository) ClaimExhausted(ctx context.Context, limit, maxRetries int) ([]*outbox.Event, error) {
	args := m.Called(ctx, limit, maxRetries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Event), args.Error(1)
}

func (m *mockOutboxRepository) MarkProcessed(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOutboxRepository) MarkFailed(ctx context.Context, id string, cause error, retryDelay time.Duration) error {
	return m.Called(ctx, id, cause, retryDelay).Error(0)
}

func (m *mockOutboxRepository) MarkDead(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOutboxRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockOutboxRepository) ListByAggregate(ctx context.Context, aggregateID string) ([]*outbox.Event, error) {
	args := m.Called(ctx, aggregateID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Event), args.Error(1)
}

// =============================================================================
// Фикстура
// =============================================================================

type serviceFixture struct {
	service     OrderService
	orders      *mockOrderRepository
	sagas       *mockSagaRepository
	outboxRepo  *mockOutboxRepository
	coordinator *mockCoordinator
	sqlMock     sqlmock.Sqlmock
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	orders := new(mockOrderRepository)
	sagas := new(mockSagaRepository)
	outboxRepo := new(mockOutboxRepository)
	coordinator := new(mockCoordinator)

	return &serviceFixture{
		service:     NewOrderService(gormDB, orders, sagas, outboxRepo, outbox.NewWriter(outboxRepo), coordinator),
		orders:      orders,
		sagas:       sagas,
		outboxRepo:  outboxRepo,
		coordinator: coordinator,
		sqlMock:     sqlMock,
	}
}

func validCreateParams() CreateOrderParams {
	return CreateOrderParams{
		CustomerID:   "C1",
		RestaurantID: "RST1",
		Items: []ItemParams{
			{ItemID: "I1", Name: "Пицца Маргарита", Quantity: 2, UnitPrice: 1500},
		},
		DeliveryLocation: domain.DeliveryLocation{
			Latitude:  40.7128,
			Longitude: -74.0060,
			Address:   "Брод-стрит, 25",
		},
	}
}

// =============================================================================
// Тесты
// =============================================================================

func TestOrderService_CreateOrder(t *testing.T) {
	fix := newServiceFixture(t)

	fix.orders.On("Create", mock.Anything, mock.Anything, mock.AnythingOfType("*domain.Order")).Return(nil)
	fix.outboxRepo.On("Append", mock.Anything, mock.Anything, mock.AnythingOfType("*outbox.Event")).Return(nil)

	started := &saga.Saga{ID: "saga-1", Status: saga.StatusStarted}
	var capturedOpts saga.StartOptions
	fix.coordinator.On("StartSaga", mock.Anything, mock.Anything, mock.AnythingOfType("saga.StartOptions")).
		Run(func(args mock.Arguments) {
			capturedOpts = args.Get(2).(saga.StartOptions)
		}).
		Return(started, nil)
	fix.coordinator.On("Enqueue", "saga-1").Return()

	fix.sqlMock.ExpectBegin()
	fix.sqlMock.ExpectCommit()

	order, err := fix.service.CreateOrder(context.Background(), validCreateParams())
	require.NoError(t, err)

	assert.NotEmpty(t, order.ID)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, domain.PriorityNormal, order.Priority)
	assert.Equal(t, domain.Money(3000), order.Subtotal)
	assert.Equal(t, domain.Money(300), order.Tax)
	assert.Equal(t, domain.Money(599), order.DeliveryFee)
	assert.Equal(t, domain.Money(3899), order.Total)
	assert.EqualValues(t, 1, order.Version)

	// Сага получает снимок заказа
	assert.Equal(t, saga.TypeOrderProcessing, capturedOpts.Type)
	assert.Equal(t, order.ID, capturedOpts.AggregateID)
	data := capturedOpts.Data.(steps.OrderData)
	assert.Equal(t, "RST1", data.RestaurantID)
	require.Len(t, data.Items, 1)
	assert.EqualValues(t, 2, data.Items[0].Quantity)
	assert.InDelta(t, 40.7128, data.PickupLocation.Lat, 1e-9)

	// ORDER_CREATED записан в той же транзакции
	appendCall := fix.outboxRepo.Calls[0]
	event := appendCall.Arguments.Get(2).(*outbox.Event)
	assert.Equal(t, outbox.EventOrderCreated, event.Type)

	fix.coordinator.AssertCalled(t, "Enqueue", "saga-1")
	require.NoError(t, fix.sqlMock.ExpectationsWereMet())
}

func TestOrderService_CreateOrder_ValidationFails(t *testing.T) {
	fix := newServiceFixture(t)

	params := validCreateParams()
	params.Items = nil

	_, err := fix.service.CreateOrder(context.Background(), params)
	assert.ErrorIs(t, err, domain.ErrEmptyOrderItems)

	fix.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	fix.coordinator.AssertNotCalled(t, "StartSaga", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrderService_CreateOrder_SagaStartFailureRollsBack(t *testing.T) {
	fix := newServiceFixture(t)

	fix.orders.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	fix.outboxRepo.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	fix.coordinator.On("StartSaga", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, saga.ErrUnknownSagaType)

	fix.sqlMock.ExpectBegin()
	fix.sqlMock.ExpectRollback()

	_, err := fix.service.CreateOrder(context.Background(), validCreateParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, saga.ErrUnknownSagaType)

	fix.coordinator.AssertNotCalled(t, "Enqueue", mock.Anything)
	require.NoError(t, fix.sqlMock.ExpectationsWereMet())
}

func TestOrderService_UpdateOrder_VersionConflict(t *testing.T) {
	fix := newServiceFixture(t)

	order := &domain.Order{ID: "order-1", Status: domain.OrderStatusPending, Version: 5}
	fix.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)

	_, err := fix.service.UpdateOrder(context.Background(), "order-1", UpdateOrderParams{Version: 3})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	fix.orders.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrderService_UpdateOrder_ItemsOnlyWhilePending(t *testing.T) {
	fix := newServiceFixture(t)

	order := &domain.Order{ID: "order-1", Status: domain.OrderStatusConfirmed, Version: 2}
	fix.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)

	_, err := fix.service.UpdateOrder(context.Background(), "order-1", UpdateOrderParams{
		Items:   []ItemParams{{ItemID: "I2", Name: "Салат", Quantity: 1, UnitPrice: 700}},
		Version: 2,
	})
	assert.ErrorIs(t, err, domain.ErrOrderNotEditable)
}

func TestOrderService_UpdateOrder_Success(t *testing.T) {
	fix := newServiceFixture(t)

	order := &domain.Order{
		ID:           "order-1",
		CustomerID:   "C1",
		RestaurantID: "RST1",
		Status:       domain.OrderStatusPending,
		Items: []domain.LineItem{
			{ItemID: "I1", Name: "Пицца", Quantity: 1, UnitPrice: 1500},
		},
		DeliveryLocation: domain.DeliveryLocation{Latitude: 40.7, Longitude: -74.0, Address: "ул. Одна, 1"},
		Version:          2,
	}
	fix.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	fix.orders.On("Update", mock.Anything, mock.Anything, order).Return(nil)
	fix.outboxRepo.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	fix.sqlMock.ExpectBegin()
	fix.sqlMock.ExpectCommit()

	priority := domain.PriorityUrgent
	updated, err := fix.service.UpdateOrder(context.Background(), "order-1", UpdateOrderParams{
		Priority: &priority,
		Version:  2,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PriorityUrgent, updated.Priority)
	assert.EqualValues(t, 3, updated.Version)

	event := fix.outboxRepo.Calls[0].Arguments.Get(2).(*outbox.Event)
	assert.Equal(t, outbox.EventOrderUpdated, event.Type)
}

func TestOrderService_CancelOrder(t *testing.T) {
	fix := newServiceFixture(t)

	order := &domain.Order{ID: "order-1", Status: domain.OrderStatusPending, Version: 1}
	fix.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	fix.orders.On("Update", mock.Anything, mock.Anything, order).Return(nil)
	fix.outboxRepo.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	fix.sagas.On("GetByAggregateID", mock.Anything, "order-1").
		Return(&saga.Saga{ID: "saga-1", Status: saga.StatusInProgress}, nil)
	fix.coordinator.On("CancelSaga", mock.Anything, "saga-1", "передумал").Return(nil)

	fix.sqlMock.ExpectBegin()
	fix.sqlMock.ExpectCommit()

	cancelled, err := fix.service.CancelOrder(context.Background(), "order-1", "передумал")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	event := fix.outboxRepo.Calls[0].Arguments.Get(2).(*outbox.Event)
	assert.Equal(t, outbox.EventOrderCancelled, event.Type)
	fix.coordinator.AssertCalled(t, "CancelSaga", mock.Anything, "saga-1", "передумал")
}

func TestOrderService_CancelOrder_DeliveredRejected(t *testing.T) {
	fix := newServiceFixture(t)

	order := &domain.Order{ID: "order-1", Status: domain.OrderStatusDelivered, Version: 9}
	fix.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)

	_, err := fix.service.CancelOrder(context.Background(), "order-1", "поздно")
	assert.ErrorIs(t, err, domain.ErrOrderCannotCancel)
	fix.orders.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrderService_GetOrderStatus(t *testing.T) {
	fix := newServiceFixture(t)

	code := "TRK-X-ABCD-QWE"
	order := &domain.Order{ID: "order-1", Status: domain.OrderStatusConfirmed, TrackingCode: &code}
	fix.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	fix.sagas.On("GetByAggregateID", mock.Anything, "order-1").
		Return(&saga.Saga{ID: "saga-1", Status: saga.StatusCompleted}, nil)

	info, err := fix.service.GetOrderStatus(context.Background(), "order-1")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusConfirmed, info.Status)
	require.NotNil(t, info.TrackingCode)
	assert.Equal(t, code, *info.TrackingCode)
	require.NotNil(t, info.SagaStatus)
	assert.Equal(t, saga.StatusCompleted, *info.SagaStatus)
}

func TestOrderService_GetOrderStatus_NoSaga(t *testing.T) {
	fix := newServiceFixture(t)

	order := &domain.Order{ID: "order-1", Status: domain.OrderStatusPending}
	fix.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	fix.sagas.On("GetByAggregateID", mock.Anything, "order-1").Return(nil, saga.ErrSagaNotFound)

	info, err := fix.service.GetOrderStatus(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Nil(t, info.SagaStatus)
}

func TestOrderService_ListOrderEvents(t *testing.T) {
	fix := newServiceFixture(t)

	order := &domain.Order{ID: "order-1", Status: domain.OrderStatusPending}
	fix.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	fix.outboxRepo.On("ListByAggregate", mock.Anything, "order-1").
		Return([]*outbox.Event{{ID: "evt-1", Type: outbox.EventOrderCreated}}, nil)

	events, err := fix.service.ListOrderEvents(context.Background(), "order-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.EventOrderCreated, events[0].Type)
}

func TestOrderService_ListOrderEvents_OrderNotFound(t *testing.T) {
	fix := newServiceFixture(t)

	fix.orders.On("GetByID", mock.Anything, "missing").Return(nil, domain.ErrOrderNotFound)

	_, err := fix.service.ListOrderEvents(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
