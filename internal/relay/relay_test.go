package relay

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		f    *Frame
	}{
		{"data frame", &Frame{ClientID: 7, Type: TypeData, Payload: []byte("hello")}},
		{"disconnect frame, no payload", &Frame{ClientID: 9, Type: TypeDisconnect}},
		{"empty data payload", &Frame{ClientID: 1, Type: TypeData}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.f)
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.ClientID != tc.f.ClientID || decoded.Type != tc.f.Type {
				t.Errorf("header mismatch: got %+v, want %+v", decoded, tc.f)
			}
			if !bytes.Equal(decoded.Payload, tc.f.Payload) {
				t.Errorf("payload mismatch: got %v, want %v", decoded.Payload, tc.f.Payload)
			}
		})
	}
}

func TestDecodeTooShortIsRejected(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		if _, err := Decode(make([]byte, n)); err == nil {
			t.Errorf("prefix of %d bytes: expected an error", n)
		}
	}
}

func TestEncodeDataAndDisconnectHelpers(t *testing.T) {
	data := EncodeData(42, []byte{1, 2, 3})
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Type != TypeData || f.ClientID != 42 {
		t.Fatalf("got %+v, want ClientID=42 Type=TypeData", f)
	}

	disc := EncodeDisconnect(42)
	f2, err := Decode(disc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f2.Type != TypeDisconnect || len(f2.Payload) != 0 {
		t.Fatalf("got %+v, want ClientID=42 Type=TypeDisconnect no payload", f2)
	}
}
