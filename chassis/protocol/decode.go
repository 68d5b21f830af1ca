package protocol

import (
	"encoding/json"
)

// JSONDecoder unmarshals a queue body into T.
func JSONDecoder[T any](body string) (T, error) {
	var value T
	err := json.Unmarshal([]byte(body), &value)
	return value, err
}

// DecodeRequest decodes and validates a JSON-RPC request body.
func DecodeRequest(body string) (Request, error) {
	request := Request{}
	if err := request.FromJSON(body); err != nil {
		return request, err
	}
	return request, request.Validate()
}
