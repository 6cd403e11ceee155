package security

import (
	"bytes"
	"testing"
)

func TestNewWrapper(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{name: "valid password", password: "my-secure-password", wantErr: false},
		{name: "sentinel password", password: SentinelPassword, wantErr: false},
		{name: "empty password", password: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWrapper(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewWrapper() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && w == nil {
				t.Error("NewWrapper() returned nil without error")
			}
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	w, err := NewWrapper("password")
	if err != nil {
		t.Fatalf("NewWrapper() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
		wantErr   bool
	}{
		{name: "simple text", plaintext: []byte("private key material")},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0xFF, 0xFE}},
		{name: "empty data", plaintext: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped, err := w.Wrap(tt.plaintext)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Wrap() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if bytes.Contains(wrapped, tt.plaintext) {
				t.Error("Wrap() output contains plaintext")
			}

			unwrapped, err := w.Unwrap(wrapped)
			if err != nil {
				t.Fatalf("Unwrap() error = %v", err)
			}
			if !bytes.Equal(unwrapped, tt.plaintext) {
				t.Errorf("Unwrap() = %v, want %v", unwrapped, tt.plaintext)
			}
		})
	}
}

func TestUnwrapWrongPassword(t *testing.T) {
	w1, _ := NewWrapper("password-one")
	w2, _ := NewWrapper("password-two")

	wrapped, err := w1.Wrap([]byte("secret"))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	if _, err := w2.Unwrap(wrapped); err == nil {
		t.Error("Unwrap() with wrong password should fail")
	}
}

func TestUnwrapTruncated(t *testing.T) {
	w, _ := NewWrapper("password")
	if _, err := w.Unwrap([]byte{1, 2, 3}); err == nil {
		t.Error("Unwrap() of truncated data should fail")
	}
}

func TestRandomHex(t *testing.T) {
	a, err := RandomHex(8)
	if err != nil {
		t.Fatalf("RandomHex() error = %v", err)
	}
	if len(a) != 16 {
		t.Errorf("RandomHex(8) length = %d, want 16", len(a))
	}
	b, _ := RandomHex(8)
	if a == b {
		t.Error("RandomHex() returned the same value twice")
	}
}
