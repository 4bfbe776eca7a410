package clients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"example.com/delivery-platform/pkg/circuitbreaker"
)

// ReserveItem — позиция резервации инвентаря.
type ReserveItem struct {
	ItemID   string `json:"itemId"`
	Quantity int32  `json:"quantity"`
}

// ReserveRequest — запрос резервации инвентаря под заказ.
type ReserveRequest struct {
	OrderID      string        `json:"orderId"`
	RestaurantID string        `json:"restaurantId"`
	Items        []ReserveItem `json:"items"`
}

// Reservation — подтверждённая резервация инвентаря.
type Reservation struct {
	ReservationID string        `json:"reservationId"`
	Items         []ReserveItem `json:"items"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}

// InventoryClient — клиент сервиса инвентаря ресторанов.
type InventoryClient interface {
	// Reserve резервирует позиции заказа. Резервация живёт до ExpiresAt.
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)

	// Release снимает резервацию по ID. Неизвестный ID — успех:
	// компенсация должна быть идемпотентной.
	Release(ctx context.Context, reservationID string) error
}

// inventoryClient — HTTP реализация InventoryClient.
type inventoryClient struct {
	httpClient
}

// NewInventoryClient создаёт клиент сервиса инвентаря.
func NewInventoryClient(baseURL string, timeout time.Duration, breakers *circuitbreaker.Registry) InventoryClient {
	return &inventoryClient{
		httpClient: httpClient{
			baseURL:  baseURL,
			service:  "inventory",
			client:   &http.Client{Timeout: timeout},
			breakers: breakers,
		},
	}
}

// Reserve резервирует позиции заказа.
func (c *inventoryClient) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	var reservation Reservation
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/reservations", req, &reservation); err != nil {
		return nil, err
	}
	return &reservation, nil
}

// Release снимает резервацию по ID.
func (c *inventoryClient) Release(ctx context.Context, reservationID string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/api/v1/reservations/"+reservationID, nil, nil)

	// 404 при release — резервация уже снята или истекла, это успех
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
