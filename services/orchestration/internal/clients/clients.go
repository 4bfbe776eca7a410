// Package clients содержит HTTP клиенты downstream-сервисов:
// инвентарь ресторана, оптимизатор назначений и бронирование курьеров.
// Все вызовы идут через circuit breaker по имени сервиса.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"example.com/delivery-platform/pkg/circuitbreaker"
)

// ErrDownstreamConflict — downstream отклонил запрос из-за конфликта
// (исчерпана ёмкость, дубликат резервации).
var ErrDownstreamConflict = errors.New("конфликт на стороне downstream-сервиса")

// HTTPError — ответ downstream-сервиса со статусом вне 2xx.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("downstream вернул статус %d: %s", e.StatusCode, e.Body)
}

// httpClient — общая основа клиентов: базовый URL, circuit breaker, транспорт.
type httpClient struct {
	baseURL  string
	service  string
	client   *http.Client
	breakers *circuitbreaker.Registry
}

// doJSON выполняет запрос с JSON телом через circuit breaker
// и декодирует ответ в out (nil — тело не нужно).
func (c *httpClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ошибка сериализации запроса к %s: %w", c.service, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса к %s: %w", c.service, err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Отказами для circuit breaker считаются только транспортные ошибки
	// и 5xx; бизнес-ответы 4xx цепь не размыкают
	result, err := c.breakers.Execute(c.service, func() (any, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 500 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
		}
		return &response{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		return err
	}

	resp := result.(*response)
	if resp.status == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrDownstreamConflict, string(resp.body))
	}
	if resp.status < 200 || resp.status >= 300 {
		return &HTTPError{StatusCode: resp.status, Body: string(resp.body)}
	}

	if out != nil {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return fmt.Errorf("ошибка декодирования ответа %s: %w", c.service, err)
		}
	}
	return nil
}

// response — статус и тело успешно полученного ответа.
type response struct {
	status int
	body   []byte
}
