package sse

import (
	"github.com/goliatone/go-apiclient/core"
	"github.com/goliatone/go-apiclient/internal/json"
	"github.com/tidwall/gjson"
)

// JSON decodes every frame's data into T. A frame whose body is an
// `{"error": {...}}` envelope is returned as a *core.APIError item.
func JSON[T any]() FrameDecoder[T] {
	return func(frame Frame) (T, error) {
		var value T
		data := []byte(frame.Data)
		if apiErr := inBandError(data); apiErr != nil {
			return value, apiErr
		}
		if err := json.Unmarshal(data, &value); err != nil {
			return value, err
		}
		return value, nil
	}
}

func inBandError(data []byte) *core.APIError {
	result := gjson.GetBytes(data, "error")
	if !result.IsObject() {
		return nil
	}
	return decodeAPIError(result.Raw)
}

func decodeAPIError(raw string) *core.APIError {
	var apiErr core.APIError
	if err := json.Unmarshal([]byte(raw), &apiErr); err != nil {
		return &core.APIError{Message: raw}
	}
	return &apiErr
}
