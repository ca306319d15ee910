package device

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// EncodeRequest renders a request for the wire.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("device: encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest parses a request from the wire.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("device: decode request: %w", err)
	}
	return req, nil
}

// EncodeResponse renders a reply for the wire.
func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("device: encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a reply from the wire.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("device: decode response: %w", err)
	}
	return resp, nil
}
