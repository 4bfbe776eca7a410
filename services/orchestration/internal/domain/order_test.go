// Package domain содержит unit тесты для доменных сущностей Orchestration Service.
package domain

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrder() *Order {
	return &Order{
		ID:           "order-uuid-1234",
		CustomerID:   "C1",
		RestaurantID: "RST1",
		Items: []LineItem{
			{ItemID: "I1", Name: "Пицца Маргарита", Quantity: 2, UnitPrice: 1500},
		},
		DeliveryLocation: DeliveryLocation{
			Latitude:  40.7128,
			Longitude: -74.0060,
			Address:   "Главная улица, 1",
		},
		Status:   OrderStatusPending,
		Priority: PriorityNormal,
	}
}

// =====================================
// Тесты Order.Validate
// =====================================

func TestOrder_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(o *Order)
		expectedErr error
	}{
		{
			name:        "валидные данные",
			mutate:      func(o *Order) {},
			expectedErr: nil,
		},
		{
			name:        "пустой CustomerID",
			mutate:      func(o *Order) { o.CustomerID = "  " },
			expectedErr: ErrInvalidCustomerID,
		},
		{
			name:        "пустой RestaurantID",
			mutate:      func(o *Order) { o.RestaurantID = "" },
			expectedErr: ErrInvalidRestaurantID,
		},
		{
			name:        "нет позиций",
			mutate:      func(o *Order) { o.Items = nil },
			expectedErr: ErrEmptyOrderItems,
		},
		{
			name:        "нулевое количество",
			mutate:      func(o *Order) { o.Items[0].Quantity = 0 },
			expectedErr: ErrInvalidQuantity,
		},
		{
			name:        "отрицательная цена",
			mutate:      func(o *Order) { o.Items[0].UnitPrice = -1 },
			expectedErr: ErrInvalidPrice,
		},
		{
			name:        "широта вне диапазона",
			mutate:      func(o *Order) { o.DeliveryLocation.Latitude = 91 },
			expectedErr: ErrInvalidLocation,
		},
		{
			name:        "неизвестный приоритет",
			mutate:      func(o *Order) { o.Priority = "ASAP" },
			expectedErr: ErrInvalidPriority,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := validOrder()
			tt.mutate(order)

			err := order.Validate()

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =====================================
// Тесты расчёта сумм
// =====================================

func TestOrder_CalculateTotals(t *testing.T) {
	// 2 x 15.00 = 30.00, налог 3.00, доставка 5.99, итого 38.99
	order := validOrder()

	order.CalculateTotals()

	assert.Equal(t, Money(3000), order.Subtotal)
	assert.Equal(t, Money(300), order.Tax)
	assert.Equal(t, Money(599), order.DeliveryFee)
	assert.Equal(t, Money(3899), order.Total)
	assert.Equal(t, Money(3000), order.Items[0].Total)
}

func TestOrder_CalculateTotals_MultipleItems(t *testing.T) {
	order := validOrder()
	order.Items = append(order.Items, LineItem{
		ItemID: "I2", Name: "Кола", Quantity: 3, UnitPrice: 250,
	})

	order.CalculateTotals()

	assert.Equal(t, Money(3750), order.Subtotal)
	assert.Equal(t, order.Subtotal+order.Tax+order.DeliveryFee, order.Total)
}

// =====================================
// Тесты переходов статусов
// =====================================

func TestOrder_Confirm(t *testing.T) {
	order := validOrder()

	err := order.Confirm(nil)

	require.NoError(t, err)
	assert.Equal(t, OrderStatusConfirmed, order.Status)
	require.NotNil(t, order.TrackingCode)
	assert.Regexp(t, regexp.MustCompile(`^TRK-[A-Z0-9]+-[A-Z0-9]{4}-[A-Z0-9]{3}$`), *order.TrackingCode)

	// Fallback расчётного времени доставки: примерно сейчас + 45 минут
	require.NotNil(t, order.EstimatedDelivery)
	expected := time.Now().Add(45 * time.Minute)
	assert.WithinDuration(t, expected, *order.EstimatedDelivery, time.Minute)
}

func TestOrder_Confirm_WithEstimatedDelivery(t *testing.T) {
	order := validOrder()
	eta := time.Now().Add(30 * time.Minute)

	err := order.Confirm(&eta)

	require.NoError(t, err)
	assert.Equal(t, &eta, order.EstimatedDelivery)
}

func TestOrder_Confirm_NotPending(t *testing.T) {
	order := validOrder()
	order.Status = OrderStatusDelivered

	err := order.Confirm(nil)

	assert.ErrorIs(t, err, ErrOrderCannotConfirm)
}

func TestOrder_RevertConfirmation(t *testing.T) {
	order := validOrder()
	require.NoError(t, order.Confirm(nil))

	err := order.RevertConfirmation("бронирование курьера не удалось")

	require.NoError(t, err)
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.Nil(t, order.TrackingCode)
	require.NotNil(t, order.FailureReason)
	assert.Equal(t, "бронирование курьера не удалось", *order.FailureReason)
}

func TestOrder_Cancel(t *testing.T) {
	tests := []struct {
		name        string
		status      OrderStatus
		expectedErr error
	}{
		{"из Pending", OrderStatusPending, nil},
		{"из Confirmed", OrderStatusConfirmed, nil},
		{"из InTransit", OrderStatusInTransit, nil},
		{"из Delivered запрещена", OrderStatusDelivered, ErrOrderCannotCancel},
		{"повторная отмена запрещена", OrderStatusCancelled, ErrOrderCannotCancel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := validOrder()
			order.Status = tt.status

			err := order.Cancel("передумал")

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Equal(t, tt.status, order.Status, "статус не должен меняться")
			} else {
				require.NoError(t, err)
				assert.Equal(t, OrderStatusCancelled, order.Status)
			}
		})
	}
}

func TestOrder_Advance(t *testing.T) {
	order := validOrder()
	order.Status = OrderStatusConfirmed

	require.NoError(t, order.Advance(OrderStatusPreparing))
	require.NoError(t, order.Advance(OrderStatusReadyForPickup))
	require.NoError(t, order.Advance(OrderStatusPickedUp))
	require.NoError(t, order.Advance(OrderStatusInTransit))
	require.NoError(t, order.Advance(OrderStatusDelivered))

	// Из терминального статуса переходов нет
	err := order.Advance(OrderStatusPreparing)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestOrder_Advance_SkipForbidden(t *testing.T) {
	order := validOrder()

	err := order.Advance(OrderStatusInTransit)

	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestOrder_VersionIncreases(t *testing.T) {
	order := validOrder()
	v0 := order.Version

	require.NoError(t, order.Confirm(nil))
	v1 := order.Version
	require.NoError(t, order.Advance(OrderStatusPreparing))
	v2 := order.Version

	assert.Greater(t, v1, v0)
	assert.Greater(t, v2, v1)
}

func TestGenerateTrackingCode_Format(t *testing.T) {
	code := GenerateTrackingCode("order-uuid-abcd")

	assert.Regexp(t, regexp.MustCompile(`^TRK-[A-Z0-9]+-ABCD-[A-Z0-9]{3}$`), code)
}
