package domain

import "errors"

// Доменные ошибки Orchestration Service.
// Используются для передачи бизнес-ошибок между слоями приложения.
var (
	// ErrOrderNotFound возвращается, когда заказ не найден в базе данных.
	ErrOrderNotFound = errors.New("заказ не найден")

	// ErrEmptyOrderItems возвращается при попытке создать заказ без позиций.
	ErrEmptyOrderItems = errors.New("заказ должен содержать хотя бы одну позицию")

	// ErrInvalidCustomerID возвращается при пустом идентификаторе клиента.
	ErrInvalidCustomerID = errors.New("некорректный идентификатор клиента")

	// ErrInvalidRestaurantID возвращается при пустом идентификаторе ресторана.
	ErrInvalidRestaurantID = errors.New("некорректный идентификатор ресторана")

	// ErrInvalidItemID возвращается при пустом идентификаторе товара.
	ErrInvalidItemID = errors.New("некорректный идентификатор товара")

	// ErrInvalidQuantity возвращается, когда количество товара меньше или равно нулю.
	ErrInvalidQuantity = errors.New("количество должно быть больше нуля")

	// ErrInvalidPrice возвращается, когда цена товара меньше или равна нулю.
	ErrInvalidPrice = errors.New("цена должна быть больше нуля")

	// ErrInvalidLocation возвращается при координатах вне допустимых диапазонов.
	ErrInvalidLocation = errors.New("некорректные координаты доставки")

	// ErrInvalidPriority возвращается при приоритете вне допустимого набора.
	ErrInvalidPriority = errors.New("некорректный приоритет заказа")

	// ErrOrderCannotCancel возвращается при попытке отменить доставленный или отменённый заказ.
	ErrOrderCannotCancel = errors.New("заказ нельзя отменить в текущем статусе")

	// ErrOrderCannotConfirm возвращается при попытке подтвердить заказ не в статусе Pending.
	ErrOrderCannotConfirm = errors.New("заказ нельзя подтвердить в текущем статусе")

	// ErrOrderCannotRevert возвращается при попытке откатить неподтверждённый заказ.
	ErrOrderCannotRevert = errors.New("подтверждение заказа нельзя откатить в текущем статусе")

	// ErrOrderCannotFail возвращается при попытке пометить терминальный заказ как failed.
	ErrOrderCannotFail = errors.New("заказ нельзя пометить как failed в текущем статусе")

	// ErrInvalidStatusTransition возвращается при недопустимом переходе статуса.
	ErrInvalidStatusTransition = errors.New("недопустимый переход статуса заказа")

	// ErrVersionConflict возвращается при конфликте оптимистичной блокировки.
	ErrVersionConflict = errors.New("заказ изменён конкурентно, повторите запрос")

	// ErrOrderNotEditable возвращается при попытке изменить позиции заказа не в статусе Pending.
	ErrOrderNotEditable = errors.New("позиции заказа можно менять только в статусе Pending")
)
