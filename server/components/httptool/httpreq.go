package httptool

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const maxBodySize = 16 << 20

func StringBody(r *http.Request) (string, error) {
	bytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return string(bytes), err
}

func JsonBody[T any](r *http.Request) (T, error) {
	var t T
	bytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(bytes, &t); err != nil {
		return t, fmt.Errorf("decode request body: %w", err)
	}
	return t, nil
}

// WriteJson 以 JSON 写回响应
func WriteJson(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
