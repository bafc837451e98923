package hash

import (
	"encoding/hex"
	"testing"
)

func TestDigest(t *testing.T) {
	tests := []struct {
		name    string
		alg     string
		message string
		want    string
		wantErr bool
	}{
		{
			name:    "sha-256",
			alg:     SHA256,
			message: "abc",
			want:    "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
		{
			name:    "sha-384",
			alg:     SHA384,
			message: "abc",
			want:    "cb00753f45a35e8bb5a03d699ac65007272c32ab0eded1631a8b605a43ff5bed8086072ba1e7cc2358baeca134c825a7",
		},
		{
			name:    "sha-512",
			alg:     SHA512,
			message: "abc",
			want:    "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f",
		},
		{
			name:    "unsupported algorithm",
			alg:     "SHA-1",
			message: "abc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Digest([]byte(tt.message), tt.alg)
			if tt.wantErr {
				if err == nil {
					t.Error("Digest() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Digest() error = %v", err)
			}
			if hex.EncodeToString(got) != tt.want {
				t.Errorf("Digest() = %s, want %s", hex.EncodeToString(got), tt.want)
			}
		})
	}
}

func TestSupported(t *testing.T) {
	for _, alg := range []string{SHA256, SHA384, SHA512} {
		if !Supported(alg) {
			t.Errorf("Supported(%s) = false, want true", alg)
		}
	}
	if Supported("MD5") {
		t.Error("Supported(MD5) = true, want false")
	}
}
