package security

import (
	"bytes"
	"testing"
)

func TestNewSecretsManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecretsManager(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSecretsManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && sm == nil {
				t.Error("NewSecretsManager() returned nil without error")
			}
		})
	}
}

func TestNewSecretsManagerFromClusterID(t *testing.T) {
	tests := []struct {
		name      string
		clusterID string
		wantErr   bool
	}{
		{name: "single coordinator", clusterID: "hv1", wantErr: false},
		{name: "joined coordinator list", clusterID: "hv1,hv2,hv3", wantErr: false},
		{name: "empty cluster id", clusterID: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecretsManagerFromClusterID(tt.clusterID)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSecretsManagerFromClusterID() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && sm == nil {
				t.Error("NewSecretsManagerFromClusterID() returned nil without error")
			}
		})
	}
}

func TestSameClusterIDDerivesSameKey(t *testing.T) {
	a, err := NewSecretsManagerFromClusterID("hv1,hv2,hv3")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromClusterID() error = %v", err)
	}
	b, err := NewSecretsManagerFromClusterID("hv1,hv2,hv3")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromClusterID() error = %v", err)
	}

	ciphertext, err := a.Encrypt([]byte("hv1\nadmin\nsecret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := b.Decrypt(ciphertext); err != nil {
		t.Fatalf("a second manager derived from the same cluster id could not decrypt a's ciphertext: %v", err)
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-encryption-key-32-bytes-!!"))

	sm, err := NewSecretsManager(key)
	if err != nil {
		t.Fatalf("NewSecretsManager() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "simple string", plaintext: []byte("hello world")},
		{name: "ipmi blob", plaintext: []byte("hv1.ipmi.example\nadmin\nsupersecret")},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{name: "large data", plaintext: bytes.Repeat([]byte("test"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := sm.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if bytes.Equal(ciphertext, tt.plaintext) {
				t.Error("Encrypt() returned plaintext unchanged")
			}

			plaintext, err := sm.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(plaintext, tt.plaintext) {
				t.Errorf("Decrypt() = %q, want %q", plaintext, tt.plaintext)
			}
		})
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	sm, err := NewSecretsManagerFromClusterID("hv1")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromClusterID() error = %v", err)
	}

	a, err := sm.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := sm.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("Encrypt() produced identical ciphertext for the same plaintext twice; nonce is not being randomized")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	sm, err := NewSecretsManagerFromClusterID("hv1")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromClusterID() error = %v", err)
	}

	ciphertext, err := sm.Encrypt([]byte("node.ipmi payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := sm.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() accepted a tampered ciphertext")
	}
}

func TestEncryptDecryptIPMIBlobRoundtrip(t *testing.T) {
	sm, err := NewSecretsManagerFromClusterID("hv1,hv2,hv3")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromClusterID() error = %v", err)
	}

	blob := "hv1.ipmi.example.com\nadmin\nsupersecretpassword"
	encoded, err := sm.EncryptIPMIBlob(blob)
	if err != nil {
		t.Fatalf("EncryptIPMIBlob() error = %v", err)
	}
	if encoded == blob {
		t.Error("EncryptIPMIBlob() returned the blob unchanged")
	}

	decoded, err := sm.DecryptIPMIBlob(encoded)
	if err != nil {
		t.Fatalf("DecryptIPMIBlob() error = %v", err)
	}
	if decoded != blob {
		t.Errorf("DecryptIPMIBlob() = %q, want %q", decoded, blob)
	}
}

func TestDecryptIPMIBlobRejectsInvalidBase64(t *testing.T) {
	sm, err := NewSecretsManagerFromClusterID("hv1")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromClusterID() error = %v", err)
	}
	if _, err := sm.DecryptIPMIBlob("not valid base64!!!"); err == nil {
		t.Error("DecryptIPMIBlob() accepted invalid base64")
	}
}

func TestDifferentClusterIDsCannotDecryptEachOther(t *testing.T) {
	a, err := NewSecretsManagerFromClusterID("hv1,hv2")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromClusterID() error = %v", err)
	}
	b, err := NewSecretsManagerFromClusterID("hv3,hv4")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromClusterID() error = %v", err)
	}

	encoded, err := a.EncryptIPMIBlob("hv1\nadmin\nsecret")
	if err != nil {
		t.Fatalf("EncryptIPMIBlob() error = %v", err)
	}
	if _, err := b.DecryptIPMIBlob(encoded); err == nil {
		t.Error("a manager derived from a different cluster id decrypted another cluster's blob")
	}
}
