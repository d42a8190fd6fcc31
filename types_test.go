package x402

import (
	"encoding/json"
	"testing"
)

func TestPaymentRequirementsValidate(t *testing.T) {
	tests := []struct {
		name    string
		reqs    PaymentRequirements
		wantErr bool
	}{
		{
			name: "valid",
			reqs: PaymentRequirements{
				Scheme:            "upto",
				Network:           "eip155:8453",
				Asset:             "0xUSDC",
				PayTo:             "0xB",
				Amount:            "250000",
				MaxTimeoutSeconds: 60,
			},
			wantErr: false,
		},
		{
			name:    "missing scheme",
			reqs:    PaymentRequirements{Network: "eip155:8453", Asset: "0xUSDC", PayTo: "0xB", Amount: "1", MaxTimeoutSeconds: 60},
			wantErr: true,
		},
		{
			name:    "invalid network",
			reqs:    PaymentRequirements{Scheme: "upto", Network: "base", Asset: "0xUSDC", PayTo: "0xB", Amount: "1", MaxTimeoutSeconds: 60},
			wantErr: true,
		},
		{
			name:    "missing payTo",
			reqs:    PaymentRequirements{Scheme: "upto", Network: "eip155:8453", Asset: "0xUSDC", Amount: "1", MaxTimeoutSeconds: 60},
			wantErr: true,
		},
		{
			name:    "non-positive timeout",
			reqs:    PaymentRequirements{Scheme: "upto", Network: "eip155:8453", Asset: "0xUSDC", PayTo: "0xB", Amount: "1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.reqs.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPaymentPayloadValidate(t *testing.T) {
	validReqs := PaymentRequirements{
		Scheme:            "upto",
		Network:           "eip155:8453",
		Asset:             "0xUSDC",
		PayTo:             "0xB",
		Amount:            "250000",
		MaxTimeoutSeconds: 60,
	}

	tests := []struct {
		name    string
		payload PaymentPayload
		wantErr bool
	}{
		{
			name: "valid",
			payload: PaymentPayload{
				X402Version: 1,
				Accepted:    validReqs,
				Payload:     json.RawMessage(`{"authorization":{}}`),
			},
			wantErr: false,
		},
		{
			name:    "missing version",
			payload: PaymentPayload{Accepted: validReqs, Payload: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "missing payload",
			payload: PaymentPayload{X402Version: 1, Accepted: validReqs},
			wantErr: true,
		},
		{
			name:    "invalid accepted",
			payload: PaymentPayload{X402Version: 1, Payload: json.RawMessage(`{}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPaymentPayloadJSONRoundTrip(t *testing.T) {
	payload := PaymentPayload{
		X402Version: 1,
		Resource:    "/api/generate",
		Extensions:  []string{"upto"},
		Accepted: PaymentRequirements{
			Scheme:            "upto",
			Network:           "eip155:8453",
			Asset:             "0xUSDC",
			PayTo:             "0xB",
			Amount:            "250000",
			MaxTimeoutSeconds: 60,
			Extra:             map[string]any{"name": "USD Coin", "version": "2"},
		},
		Payload: json.RawMessage(`{"authorization":{"from":"0xA"},"signature":"0xsig"}`),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got PaymentPayload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Resource != payload.Resource {
		t.Errorf("resource mismatch: got %q, want %q", got.Resource, payload.Resource)
	}
	if got.Accepted.Network != payload.Accepted.Network {
		t.Errorf("network mismatch: got %q, want %q", got.Accepted.Network, payload.Accepted.Network)
	}
	if string(got.Payload) != string(payload.Payload) {
		t.Errorf("payload mismatch: got %s, want %s", got.Payload, payload.Payload)
	}
}
