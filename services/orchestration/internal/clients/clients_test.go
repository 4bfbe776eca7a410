// Package clients содержит unit тесты HTTP клиентов downstream-сервисов.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/delivery-platform/pkg/circuitbreaker"
)

func testBreakers() *circuitbreaker.Registry {
	return circuitbreaker.NewRegistry(circuitbreaker.DefaultSettings())
}

func TestInventoryClient_Reserve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/reservations", r.URL.Path)

		var req ReserveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "order-1", req.OrderID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Reservation{
			ReservationID: "R1",
			Items:         req.Items,
			ExpiresAt:     time.Now().Add(15 * time.Minute),
		})
	}))
	defer srv.Close()

	client := NewInventoryClient(srv.URL, 5*time.Second, testBreakers())

	reservation, err := client.Reserve(context.Background(), ReserveRequest{
		OrderID:      "order-1",
		RestaurantID: "RST1",
		Items:        []ReserveItem{{ItemID: "I1", Quantity: 2}},
	})

	require.NoError(t, err)
	assert.Equal(t, "R1", reservation.ReservationID)
}

func TestInventoryClient_Reserve_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ёмкость исчерпана", http.StatusConflict)
	}))
	defer srv.Close()

	client := NewInventoryClient(srv.URL, 5*time.Second, testBreakers())

	_, err := client.Reserve(context.Background(), ReserveRequest{OrderID: "order-1"})

	assert.ErrorIs(t, err, ErrDownstreamConflict)
}

func TestInventoryClient_Release_NotFoundIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewInventoryClient(srv.URL, 5*time.Second, testBreakers())

	assert.NoError(t, client.Release(context.Background(), "R1"))
}

func TestClient_ServerErrorTripsCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	settings := circuitbreaker.DefaultSettings()
	settings.FailureThreshold = 2
	breakers := circuitbreaker.NewRegistry(settings)
	client := NewInventoryClient(srv.URL, 5*time.Second, breakers)

	_, err := client.Reserve(context.Background(), ReserveRequest{OrderID: "o"})
	require.Error(t, err)
	_, err = client.Reserve(context.Background(), ReserveRequest{OrderID: "o"})
	require.Error(t, err)

	// Цепь разомкнута: вызов падает сразу
	_, err = client.Reserve(context.Background(), ReserveRequest{OrderID: "o"})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestClient_ConflictDoesNotTripCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	settings := circuitbreaker.DefaultSettings()
	settings.FailureThreshold = 2
	breakers := circuitbreaker.NewRegistry(settings)
	client := NewInventoryClient(srv.URL, 5*time.Second, breakers)

	for i := 0; i < 5; i++ {
		_, err := client.Reserve(context.Background(), ReserveRequest{OrderID: "o"})
		require.ErrorIs(t, err, ErrDownstreamConflict)
		require.NotErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	}
}

func TestPartnerClient_Optimize_DefaultWeights(t *testing.T) {
	var received OptimizationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/optimize", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_ = json.NewEncoder(w).Encode(OptimizationResult{
			Assignments: map[string]string{"order-1": "ch-1"},
			TotalScore:  0.87,
			SolveTimeMs: 12,
			Status:      "OPTIMAL",
		})
	}))
	defer srv.Close()

	client := NewPartnerClient(srv.URL, srv.URL, 5*time.Second, testBreakers())

	result, err := client.Optimize(context.Background(), OptimizationRequest{
		Orders:   []OptimizationOrder{{ID: "order-1"}},
		Channels: []Channel{{ID: "ch-1", Capacity: 5}},
	})

	require.NoError(t, err)
	assert.Equal(t, "ch-1", result.Assignments["order-1"])
	assert.InDelta(t, 0.5, received.Weights["delivery_time"], 0.001)
	assert.InDelta(t, 0.3, received.Weights["cost"], 0.001)
	assert.InDelta(t, 0.2, received.Weights["quality"], 0.001)
}

func TestPartnerClient_CancelBooking_Idempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewPartnerClient(srv.URL, srv.URL, 5*time.Second, testBreakers())

	assert.NoError(t, client.CancelBooking(context.Background(), "B1"))
}

func TestNearestAvailableChannel(t *testing.T) {
	pickup := Coordinates{Lat: 40.7128, Lng: -74.0060}
	channels := []Channel{
		{ID: "far", Capacity: 5, CurrentLoad: 0, Location: Coordinates{Lat: 41.9, Lng: -73.0}},
		{ID: "near-full", Capacity: 3, CurrentLoad: 3, Location: Coordinates{Lat: 40.72, Lng: -74.0}},
		{ID: "near-free", Capacity: 3, CurrentLoad: 1, Location: Coordinates{Lat: 40.73, Lng: -74.01}},
	}

	best, err := NearestAvailableChannel(channels, pickup)

	require.NoError(t, err)
	assert.Equal(t, "near-free", best.ID, "полный канал пропускается, выбирается ближайший свободный")
}

func TestNearestAvailableChannel_AllFull(t *testing.T) {
	channels := []Channel{
		{ID: "a", Capacity: 1, CurrentLoad: 1, Location: Coordinates{}},
	}

	_, err := NearestAvailableChannel(channels, Coordinates{})

	assert.ErrorIs(t, err, ErrNoChannelAvailable)
}

func TestHTTPError_Message(t *testing.T) {
	err := &HTTPError{StatusCode: 502, Body: "bad gateway"}

	var target *HTTPError
	require.True(t, errors.As(error(err), &target))
	assert.Contains(t, err.Error(), "502")
}
