// Package repository содержит реализацию доступа к данным для Orchestration Service.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/delivery-platform/services/orchestration/internal/domain"
)

// OrderRepository определяет интерфейс для работы с заказами в БД.
type OrderRepository interface {
	// Create создаёт новый заказ внутри переданной транзакции.
	// Транзакцию открывает сервисный слой: заказ, событие outbox и сага
	// пишутся атомарно.
	Create(ctx context.Context, tx *gorm.DB, order *domain.Order) error

	// GetByID возвращает заказ по ID.
	GetByID(ctx context.Context, orderID string) (*domain.Order, error)

	// Update сохраняет заказ с проверкой оптимистичной блокировки.
	// Доменные методы уже увеличили Version; строка обновляется только
	// если в БД лежит предыдущая версия, иначе ErrVersionConflict.
	Update(ctx context.Context, tx *gorm.DB, order *domain.Order) error

	// ListByCustomer возвращает заказы клиента с пагинацией.
	ListByCustomer(ctx context.Context, customerID string, offset, limit int) ([]*domain.Order, int64, error)
}

// OrderModel — GORM модель для таблицы orders.
// Позиции и адрес доставки лежат в JSON колонках: состав заказа
// не участвует в реляционных запросах.
type OrderModel struct {
	ID                string     `gorm:"column:id;type:varchar(36);primaryKey"`
	CustomerID        string     `gorm:"column:customer_id;type:varchar(36);not null;index"`
	RestaurantID      string     `gorm:"column:restaurant_id;type:varchar(36);not null;index"`
	Items             []byte     `gorm:"column:items;type:json;not null"`
	DeliveryLocation  []byte     `gorm:"column:delivery_location;type:json;not null"`
	Subtotal          int64      `gorm:"column:subtotal;not null"`
	Tax               int64      `gorm:"column:tax;not null"`
	DeliveryFee       int64      `gorm:"column:delivery_fee;not null"`
	Total             int64      `gorm:"column:total;not null"`
	Status            string     `gorm:"column:status;type:varchar(20);not null;index:idx_orders_status_created,priority:1"`
	Priority          string     `gorm:"column:priority;type:varchar(10);not null"`
	TrackingCode      *string    `gorm:"column:tracking_code;type:varchar(40)"`
	EstimatedDelivery *time.Time `gorm:"column:estimated_delivery"`
	AssignedDriverID  *string    `gorm:"column:assigned_driver_id;type:varchar(36)"`
	FailureReason     *string    `gorm:"column:failure_reason;type:text"`
	Version           int64      `gorm:"column:version;not null;default:0"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime;index:idx_orders_status_created,priority:2"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (OrderModel) TableName() string {
	return "orders"
}

// lineItemJSON — представление позиции заказа в JSON колонке.
type lineItemJSON struct {
	ItemID    string `json:"itemId"`
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Total     int64  `json:"total"`
	Notes     string `json:"notes,omitempty"`
}

// locationJSON — представление адреса доставки в JSON колонке.
type locationJSON struct {
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lng"`
	Address    string  `json:"address"`
	City       string  `json:"city,omitempty"`
	PostalCode string  `json:"postalCode,omitempty"`
}

// toDomain конвертирует GORM модель заказа в доменную сущность.
func (m *OrderModel) toDomain() (*domain.Order, error) {
	var items []lineItemJSON
	if err := json.Unmarshal(m.Items, &items); err != nil {
		return nil, fmt.Errorf("ошибка десериализации позиций заказа %s: %w", m.ID, err)
	}

	var loc locationJSON
	if err := json.Unmarshal(m.DeliveryLocation, &loc); err != nil {
		return nil, fmt.Errorf("ошибка десериализации адреса заказа %s: %w", m.ID, err)
	}

	order := &domain.Order{
		ID:           m.ID,
		CustomerID:   m.CustomerID,
		RestaurantID: m.RestaurantID,
		Items:        make([]domain.LineItem, len(items)),
		DeliveryLocation: domain.DeliveryLocation{
			Latitude:   loc.Latitude,
			Longitude:  loc.Longitude,
			Address:    loc.Address,
			City:       loc.City,
			PostalCode: loc.PostalCode,
		},
		Subtotal:          domain.Money(m.Subtotal),
		Tax:               domain.Money(m.Tax),
		DeliveryFee:       domain.Money(m.DeliveryFee),
		Total:             domain.Money(m.Total),
		Status:            domain.OrderStatus(m.Status),
		Priority:          domain.OrderPriority(m.Priority),
		TrackingCode:      m.TrackingCode,
		EstimatedDelivery: m.EstimatedDelivery,
		AssignedDriverID:  m.AssignedDriverID,
		FailureReason:     m.FailureReason,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}

	for i, item := range items {
		order.Items[i] = domain.LineItem{
			ItemID:    item.ItemID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: domain.Money(item.UnitPrice),
			Total:     domain.Money(item.Total),
			Notes:     item.Notes,
		}
	}

	return order, nil
}

// modelFromDomain конвертирует доменную сущность заказа в GORM модель.
func modelFromDomain(o *domain.Order) (*OrderModel, error) {
	items := make([]lineItemJSON, len(o.Items))
	for i, item := range o.Items {
		items[i] = lineItemJSON{
			ItemID:    item.ItemID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: int64(item.UnitPrice),
			Total:     int64(item.Total),
			Notes:     item.Notes,
		}
	}

	itemsData, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации позиций заказа %s: %w", o.ID, err)
	}

	locData, err := json.Marshal(locationJSON{
		Latitude:   o.DeliveryLocation.Latitude,
		Longitude:  o.DeliveryLocation.Longitude,
		Address:    o.DeliveryLocation.Address,
		City:       o.DeliveryLocation.City,
		PostalCode: o.DeliveryLocation.PostalCode,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации адреса заказа %s: %w", o.ID, err)
	}

	return &OrderModel{
		ID:                o.ID,
		CustomerID:        o.CustomerID,
		RestaurantID:      o.RestaurantID,
		Items:             itemsData,
		DeliveryLocation:  locData,
		Subtotal:          int64(o.Subtotal),
		Tax:               int64(o.Tax),
		DeliveryFee:       int64(o.DeliveryFee),
		Total:             int64(o.Total),
		Status:            string(o.Status),
		Priority:          string(o.Priority),
		TrackingCode:      o.TrackingCode,
		EstimatedDelivery: o.EstimatedDelivery,
		AssignedDriverID:  o.AssignedDriverID,
		FailureReason:     o.FailureReason,
		Version:           o.Version,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}, nil
}

// orderRepository — GORM реализация OrderRepository.
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository создаёт новый репозиторий заказов.
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create создаёт новый заказ внутри переданной транзакции.
func (r *orderRepository) Create(ctx context.Context, tx *gorm.DB, order *domain.Order) error {
	model, err := modelFromDomain(order)
	if err != nil {
		return err
	}

	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("ошибка создания заказа: %w", err)
	}

	order.CreatedAt = model.CreatedAt
	order.UpdatedAt = model.UpdatedAt
	return nil
}

// GetByID возвращает заказ по ID.
func (r *orderRepository) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	var model OrderModel

	err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("ошибка получения заказа: %w", err)
	}

	return model.toDomain()
}

// Update сохраняет заказ с проверкой оптимистичной блокировки.
func (r *orderRepository) Update(ctx context.Context, tx *gorm.DB, order *domain.Order) error {
	db := tx
	if db == nil {
		db = r.db
	}

	model, err := modelFromDomain(order)
	if err != nil {
		return err
	}

	// Условие по предыдущей версии: конкурентное изменение даёт 0 строк
	result := db.WithContext(ctx).Model(&OrderModel{}).
		Where("id = ? AND version = ?", order.ID, order.Version-1).
		Updates(map[string]any{
			"items":              model.Items,
			"delivery_location":  model.DeliveryLocation,
			"subtotal":           model.Subtotal,
			"tax":                model.Tax,
			"delivery_fee":       model.DeliveryFee,
			"total":              model.Total,
			"status":             model.Status,
			"priority":           model.Priority,
			"tracking_code":      model.TrackingCode,
			"estimated_delivery": model.EstimatedDelivery,
			"assigned_driver_id": model.AssignedDriverID,
			"failure_reason":     model.FailureReason,
			"version":            model.Version,
		})
	if result.Error != nil {
		return fmt.Errorf("ошибка обновления заказа: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// ListByCustomer возвращает заказы клиента с пагинацией.
func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, offset, limit int) ([]*domain.Order, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("customer_id = ?", customerID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта заказов: %w", err)
	}

	var models []OrderModel
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("ошибка получения заказов: %w", err)
	}

	orders := make([]*domain.Order, len(models))
	for i := range models {
		order, err := models[i].toDomain()
		if err != nil {
			return nil, 0, err
		}
		orders[i] = order
	}

	return orders, total, nil
}
