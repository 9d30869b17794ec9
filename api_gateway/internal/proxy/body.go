package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"

	gatewayerrors "github.com/georgiangelov2000/payments-microservices/api_gateway/internal/errors"
)

// InjectFields adds fields to a JSON object body and re-serializes it.
// Existing members keep their exact encoding; injected fields override
// client-supplied ones. An empty body is treated as {}.
func InjectFields(body []byte, fields map[string]any) ([]byte, error) {
	obj := make(map[string]json.RawMessage)
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		if trimmed[0] != '{' {
			return nil, gatewayerrors.ErrInvalidBody
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", gatewayerrors.ErrInvalidBody, err)
		}
		if obj == nil {
			obj = make(map[string]json.RawMessage)
		}
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal %s: %v", gatewayerrors.ErrGateway, k, err)
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}
