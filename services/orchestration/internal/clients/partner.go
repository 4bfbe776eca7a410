package clients

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"example.com/delivery-platform/pkg/circuitbreaker"
)

// ErrNoChannelAvailable — нет канала доставки со свободной ёмкостью.
var ErrNoChannelAvailable = errors.New("нет доступного канала доставки")

// Coordinates — координаты точки {lat, lng}.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// OptimizationOrder — заказ в запросе оптимизации.
type OptimizationOrder struct {
	ID               string      `json:"id"`
	PickupLocation   Coordinates `json:"pickup_location"`
	DeliveryLocation Coordinates `json:"delivery_location"`
	Priority         int         `json:"priority"`
	MaxDeliveryTime  int         `json:"max_delivery_time"`
}

// Channel — канал доставки (курьер/флот) с ёмкостью и качеством.
type Channel struct {
	ID              string      `json:"id"`
	Capacity        int         `json:"capacity"`
	CurrentLoad     int         `json:"current_load"`
	CostPerOrder    float64     `json:"cost_per_order"`
	QualityScore    int         `json:"quality_score"`
	PrepTimeMinutes int         `json:"prep_time_minutes"`
	Location        Coordinates `json:"location"`
}

// OptimizationRequest — запрос подбора каналов для заказов.
type OptimizationRequest struct {
	Orders   []OptimizationOrder `json:"orders"`
	Channels []Channel           `json:"channels"`
	Weights  map[string]float64  `json:"weights"`
}

// DefaultWeights возвращает веса целевой функции оптимизатора по умолчанию.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"delivery_time": 0.5,
		"cost":          0.3,
		"quality":       0.2,
	}
}

// OptimizationResult — результат оптимизации: назначения заказ → канал.
type OptimizationResult struct {
	Assignments map[string]string `json:"assignments"`
	TotalScore  float64           `json:"total_score"`
	SolveTimeMs int64             `json:"solve_time_ms"`
	Status      string            `json:"status"`
}

// BookingRequest — запрос бронирования канала под заказ.
type BookingRequest struct {
	OrderID          string      `json:"orderId"`
	ChannelID        string      `json:"channelId"`
	PickupLocation   Coordinates `json:"pickupLocation"`
	DeliveryLocation Coordinates `json:"deliveryLocation"`
}

// Booking — подтверждённое бронирование курьера.
type Booking struct {
	BookingID         string     `json:"bookingId"`
	PartnerID         string     `json:"partnerId"`
	ChannelID         string     `json:"channelId"`
	EstimatedPickup   *time.Time `json:"estimatedPickup,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	Fee               float64    `json:"fee"`
	Commission        float64    `json:"commission"`
}

// PartnerClient — клиент оптимизатора и сервиса бронирования курьеров.
type PartnerClient interface {
	// Channels возвращает доступные каналы доставки.
	Channels(ctx context.Context) ([]Channel, error)

	// Optimize запрашивает у оптимизатора назначения заказ → канал.
	Optimize(ctx context.Context, req OptimizationRequest) (*OptimizationResult, error)

	// Book бронирует канал под заказ.
	Book(ctx context.Context, req BookingRequest) (*Booking, error)

	// CancelBooking отменяет бронирование по ID. Идемпотентна.
	CancelBooking(ctx context.Context, bookingID string) error
}

// partnerClient — HTTP реализация PartnerClient.
// Оптимизатор и бронирование — разные downstream'ы с независимыми цепями.
type partnerClient struct {
	optimization httpClient
	booking      httpClient
}

// NewPartnerClient создаёт клиент оптимизатора и бронирования.
func NewPartnerClient(optimizationURL, bookingURL string, timeout time.Duration, breakers *circuitbreaker.Registry) PartnerClient {
	return &partnerClient{
		optimization: httpClient{
			baseURL:  optimizationURL,
			service:  "optimization",
			client:   &http.Client{Timeout: timeout},
			breakers: breakers,
		},
		booking: httpClient{
			baseURL:  bookingURL,
			service:  "booking",
			client:   &http.Client{Timeout: timeout},
			breakers: breakers,
		},
	}
}

// Channels возвращает доступные каналы доставки.
func (c *partnerClient) Channels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	if err := c.booking.doJSON(ctx, http.MethodGet, "/api/v1/channels", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// Optimize запрашивает у оптимизатора назначения заказ → канал.
func (c *partnerClient) Optimize(ctx context.Context, req OptimizationRequest) (*OptimizationResult, error) {
	if req.Weights == nil {
		req.Weights = DefaultWeights()
	}

	var result OptimizationResult
	if err := c.optimization.doJSON(ctx, http.MethodPost, "/optimize", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Book бронирует канал под заказ.
func (c *partnerClient) Book(ctx context.Context, req BookingRequest) (*Booking, error) {
	var booking Booking
	if err := c.booking.doJSON(ctx, http.MethodPost, "/api/v1/bookings", req, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// CancelBooking отменяет бронирование по ID.
func (c *partnerClient) CancelBooking(ctx context.Context, bookingID string) error {
	err := c.booking.doJSON(ctx, http.MethodDelete, "/api/v1/bookings/"+bookingID, nil, nil)

	// 404 при отмене — бронирование уже отменено, это успех
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// NearestAvailableChannel — деградированный fallback, когда оптимизатор
// недоступен: ближайший к точке забора канал со свободной ёмкостью.
func NearestAvailableChannel(channels []Channel, pickup Coordinates) (*Channel, error) {
	var best *Channel
	bestDist := math.MaxFloat64

	for i := range channels {
		ch := &channels[i]
		if ch.CurrentLoad >= ch.Capacity {
			continue
		}
		dist := haversineKm(pickup, ch.Location)
		if dist < bestDist {
			bestDist = dist
			best = ch
		}
	}

	if best == nil {
		return nil, ErrNoChannelAvailable
	}
	return best, nil
}

// haversineKm — расстояние по большому кругу между двумя точками, км.
func haversineKm(a, b Coordinates) float64 {
	const earthRadiusKm = 6371.0

	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
