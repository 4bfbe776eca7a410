package saga

import (
	"context"
	"hash/fnv"
	"sync"

	"example.com/delivery-platform/pkg/logger"
)

// Queue — очередь выполнения саг с семантикой single-consumer-per-key.
// Задачи хешируются по saga id на фиксированный пул воркеров: одна сага
// всегда попадает к одному воркеру и выполняется строго последовательно,
// разные саги идут параллельно. Это снимает необходимость во внешней
// блокировке вокруг исполнителя саги.
type Queue struct {
	workers []chan string
	handler func(ctx context.Context, sagaID string)
	wg      sync.WaitGroup
}

// queueDepth — ёмкость буфера одного воркера.
const queueDepth = 64

// NewQueue создаёт очередь на workers воркеров.
func NewQueue(workers int, handler func(ctx context.Context, sagaID string)) *Queue {
	if workers <= 0 {
		workers = 1
	}

	q := &Queue{
		workers: make([]chan string, workers),
		handler: handler,
	}
	for i := range q.workers {
		q.workers[i] = make(chan string, queueDepth)
	}
	return q
}

// Run запускает воркеров. Блокирует до отмены контекста,
// затем дожидается завершения текущих задач.
func (q *Queue) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().Int("workers", len(q.workers)).Msg("Запуск очереди саг")

	for i := range q.workers {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	<-ctx.Done()
	q.wg.Wait()
	log.Info().Msg("Очередь саг остановлена")
}

// Enqueue ставит сагу в очередь выполнения.
// Возвращает false, если буфер воркера переполнен.
func (q *Queue) Enqueue(sagaID string) bool {
	select {
	case q.workers[q.shard(sagaID)] <- sagaID:
		return true
	default:
		logger.Warn().Str("saga_id", sagaID).Msg("Очередь саг переполнена")
		return false
	}
}

// worker обрабатывает задачи своего шарда последовательно.
func (q *Queue) worker(ctx context.Context, index int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sagaID := <-q.workers[index]:
			// Отмена контекста не прерывает взятую задачу: сага должна
			// дописать checkpoint текущего шага, иначе при рестарте
			// получим ложную компенсацию наполовину выполненного шага.
			q.handler(context.WithoutCancel(ctx), sagaID)
		}
	}
}

// shard возвращает индекс воркера для saga id.
func (q *Queue) shard(sagaID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sagaID))
	return int(h.Sum32() % uint32(len(q.workers)))
}
