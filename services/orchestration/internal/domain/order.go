// Package domain содержит бизнес-сущности и доменные ошибки Orchestration Service.
package domain

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// OrderStatus — статус заказа в системе.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, сага обработки ещё не завершена.
	OrderStatusPending OrderStatus = "Pending"

	// OrderStatusConfirmed — заказ подтверждён: инвентарь зарезервирован, курьер забронирован.
	OrderStatusConfirmed OrderStatus = "Confirmed"

	// OrderStatusPreparing — ресторан готовит заказ.
	OrderStatusPreparing OrderStatus = "Preparing"

	// OrderStatusReadyForPickup — заказ готов к выдаче курьеру.
	OrderStatusReadyForPickup OrderStatus = "ReadyForPickup"

	// OrderStatusPickedUp — курьер забрал заказ.
	OrderStatusPickedUp OrderStatus = "PickedUp"

	// OrderStatusInTransit — заказ в пути.
	OrderStatusInTransit OrderStatus = "InTransit"

	// OrderStatusDelivered — заказ доставлен. Терминальный статус.
	OrderStatusDelivered OrderStatus = "Delivered"

	// OrderStatusCancelled — заказ отменён. Терминальный статус.
	OrderStatusCancelled OrderStatus = "Cancelled"

	// OrderStatusFailed — обработка заказа завершилась ошибкой. Терминальный статус.
	OrderStatusFailed OrderStatus = "Failed"
)

// nextStatuses — граф переходов статусов заказа.
// Отмена и Failed обрабатываются отдельно (см. CanCancel / Fail).
var nextStatuses = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed},
	OrderStatusConfirmed:      {OrderStatusPreparing},
	OrderStatusPreparing:      {OrderStatusReadyForPickup},
	OrderStatusReadyForPickup: {OrderStatusPickedUp},
	OrderStatusPickedUp:       {OrderStatusInTransit},
	OrderStatusInTransit:      {OrderStatusDelivered},
}

// IsTerminal сообщает, что из статуса нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusFailed
}

// CanTransitionTo проверяет допустимость прямого перехода статуса.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if next == OrderStatusCancelled {
		return !s.IsTerminal()
	}
	for _, allowed := range nextStatuses[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderPriority — приоритет обработки заказа.
type OrderPriority string

const (
	PriorityLow    OrderPriority = "Low"
	PriorityNormal OrderPriority = "Normal"
	PriorityHigh   OrderPriority = "High"
	PriorityUrgent OrderPriority = "Urgent"
)

// IsValid проверяет, что приоритет из допустимого набора.
func (p OrderPriority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Money — денежная сумма в центах.
// Целочисленное представление исключает ошибки плавающей точки.
type Money int64

// Multiply умножает сумму на количество.
func (m Money) Multiply(quantity int32) Money {
	return m * Money(quantity)
}

// Float возвращает сумму в основных единицах для отображения.
func (m Money) Float() float64 {
	return float64(m) / 100
}

const (
	// TaxRatePercent — налог в процентах от subtotal.
	TaxRatePercent = 10

	// DeliveryFee — фиксированная стоимость доставки в центах.
	DeliveryFee Money = 599
)

// LineItem — позиция заказа.
type LineItem struct {
	ItemID    string // ID товара
	Name      string // Название товара (денормализовано для истории)
	Quantity  int32  // Количество единиц
	UnitPrice Money  // Цена за единицу в центах
	Total     Money  // Стоимость позиции (количество * цена)
	Notes     string // Пожелания к позиции
}

// Validate проверяет корректность полей позиции заказа.
func (li *LineItem) Validate() error {
	if strings.TrimSpace(li.ItemID) == "" {
		return ErrInvalidItemID
	}
	if li.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if li.UnitPrice <= 0 {
		return ErrInvalidPrice
	}
	return nil
}

// DeliveryLocation — адрес доставки.
type DeliveryLocation struct {
	Latitude   float64
	Longitude  float64
	Address    string
	City       string
	PostalCode string
}

// Validate проверяет координаты доставки.
func (dl *DeliveryLocation) Validate() error {
	if dl.Latitude < -90 || dl.Latitude > 90 || dl.Longitude < -180 || dl.Longitude > 180 {
		return ErrInvalidLocation
	}
	return nil
}

// Order — заказ. Агрегат-корень: владеет своими событиями outbox и сагами.
// Доменная сущность без зависимостей от инфраструктуры (GORM, HTTP).
type Order struct {
	ID                string           // Уникальный идентификатор заказа (UUID)
	CustomerID        string           // ID клиента
	RestaurantID      string           // ID ресторана
	Items             []LineItem       // Позиции заказа
	DeliveryLocation  DeliveryLocation // Адрес доставки
	Subtotal          Money            // Сумма позиций
	Tax               Money            // Налог (10% от subtotal)
	DeliveryFee       Money            // Стоимость доставки
	Total             Money            // Итого = subtotal + tax + deliveryFee
	Status            OrderStatus      // Текущий статус
	Priority          OrderPriority    // Приоритет обработки
	TrackingCode      *string          // Код отслеживания (после подтверждения)
	EstimatedDelivery *time.Time       // Расчётное время доставки
	AssignedDriverID  *string          // ID назначенного курьера
	FailureReason     *string          // Причина ошибки (nil если заказ успешен)
	Version           int64            // Версия для оптимистичной блокировки
	CreatedAt         time.Time        // Дата создания
	UpdatedAt         time.Time        // Дата последнего обновления
}

// Validate проверяет корректность полей заказа. Вызывается перед созданием.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.CustomerID) == "" {
		return ErrInvalidCustomerID
	}
	if strings.TrimSpace(o.RestaurantID) == "" {
		return ErrInvalidRestaurantID
	}
	if len(o.Items) == 0 {
		return ErrEmptyOrderItems
	}
	for i := range o.Items {
		if err := o.Items[i].Validate(); err != nil {
			return err
		}
	}
	if err := o.DeliveryLocation.Validate(); err != nil {
		return err
	}
	if o.Priority != "" && !o.Priority.IsValid() {
		return ErrInvalidPriority
	}
	return nil
}

// CalculateTotals пересчитывает денежные поля заказа из позиций.
// Налог — 10% от subtotal, доставка фиксированная.
func (o *Order) CalculateTotals() {
	var subtotal Money
	for i := range o.Items {
		o.Items[i].Total = o.Items[i].UnitPrice.Multiply(o.Items[i].Quantity)
		subtotal += o.Items[i].Total
	}

	o.Subtotal = subtotal
	o.Tax = subtotal * TaxRatePercent / 100
	o.DeliveryFee = DeliveryFee
	o.Total = o.Subtotal + o.Tax + o.DeliveryFee
}

// CanCancel проверяет, можно ли отменить заказ.
// Отмена запрещена из Delivered и Cancelled.
func (o *Order) CanCancel() bool {
	return o.Status != OrderStatusDelivered && o.Status != OrderStatusCancelled
}

// Cancel отменяет заказ с указанием причины.
func (o *Order) Cancel(reason string) error {
	if !o.CanCancel() {
		return ErrOrderCannotCancel
	}
	o.Status = OrderStatusCancelled
	if reason != "" {
		o.FailureReason = &reason
	}
	o.touch()
	return nil
}

// Confirm подтверждает заказ: статус Confirmed, код отслеживания,
// расчётное время доставки. estimatedDelivery=nil → now + 45 минут.
func (o *Order) Confirm(estimatedDelivery *time.Time) error {
	if o.Status != OrderStatusPending {
		return ErrOrderCannotConfirm
	}

	code := GenerateTrackingCode(o.ID)
	o.Status = OrderStatusConfirmed
	o.TrackingCode = &code

	if estimatedDelivery != nil {
		o.EstimatedDelivery = estimatedDelivery
	} else {
		fallback := time.Now().Add(45 * time.Minute)
		o.EstimatedDelivery = &fallback
	}

	o.touch()
	return nil
}

// RevertConfirmation откатывает подтверждение: статус обратно Pending,
// код отслеживания очищается, причина фиксируется. Компенсация саги.
func (o *Order) RevertConfirmation(reason string) error {
	if o.Status != OrderStatusConfirmed {
		return ErrOrderCannotRevert
	}
	o.Status = OrderStatusPending
	o.TrackingCode = nil
	o.FailureReason = &reason
	o.touch()
	return nil
}

// RecordFailureReason фиксирует причину неудачи без смены статуса.
// Используется при компенсации саги: заказ остаётся Pending.
func (o *Order) RecordFailureReason(reason string) {
	o.FailureReason = &reason
	o.touch()
}

// Fail помечает заказ как неудачный с указанием причины.
func (o *Order) Fail(reason string) error {
	if o.Status.IsTerminal() {
		return ErrOrderCannotFail
	}
	o.Status = OrderStatusFailed
	o.FailureReason = &reason
	o.touch()
	return nil
}

// Advance переводит заказ в следующий статус по графу переходов.
func (o *Order) Advance(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, o.Status, next)
	}
	o.Status = next
	o.touch()
	return nil
}

// touch обновляет метки версии и времени изменения.
func (o *Order) touch() {
	o.Version++
	o.UpdatedAt = time.Now()
}

// trackingAlphabet — символы случайного суффикса кода отслеживания.
const trackingAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateTrackingCode формирует код отслеживания заказа:
// TRK-<base36 время>-<последние 4 символа ID заказа>-<3 случайных символа>.
func GenerateTrackingCode(orderID string) string {
	timePart := strconv.FormatInt(time.Now().UnixMilli(), 36)

	idPart := orderID
	if len(idPart) > 4 {
		idPart = idPart[len(idPart)-4:]
	}

	randomPart := make([]byte, 3)
	for i := range randomPart {
		randomPart[i] = trackingAlphabet[rand.Intn(len(trackingAlphabet))]
	}

	return strings.ToUpper(fmt.Sprintf("TRK-%s-%s-%s", timePart, idPart, randomPart))
}
