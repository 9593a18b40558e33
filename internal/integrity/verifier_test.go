package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"
)

func TestCalculateHash_SHA256(t *testing.T) {
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	expected := sha256.Sum256(content)
	expectedStr := hex.EncodeToString(expected[:])

	actual, err := CalculateHash(tmpFile.Name(), "sha256")
	if err != nil {
		t.Fatalf("CalculateHash failed: %v", err)
	}
	if actual != expectedStr {
		t.Errorf("expected %s, got %s", expectedStr, actual)
	}
}

func TestCalculateHash_MD5(t *testing.T) {
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	expected := md5.Sum(content)
	expectedStr := hex.EncodeToString(expected[:])

	actual, err := CalculateHash(tmpFile.Name(), "md5")
	if err != nil {
		t.Fatalf("CalculateHash failed: %v", err)
	}
	if actual != expectedStr {
		t.Errorf("expected %s, got %s", expectedStr, actual)
	}
}

func TestCalculateHash_UnsupportedAlgorithm(t *testing.T) {
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	if _, err := CalculateHash(tmpFile.Name(), "sha512"); err == nil {
		t.Error("expected an error for an unsupported algorithm, got nil")
	}
}

func TestContentDigester_Digest(t *testing.T) {
	content := []byte("finished artifact bytes")
	tmpFile, _ := os.CreateTemp("", "digest_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	expected := sha256.Sum256(content)
	expectedStr := hex.EncodeToString(expected[:])

	d := NewContentDigester()
	actual, err := d.Digest(tmpFile.Name(), "sha256")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if actual != expectedStr {
		t.Errorf("expected %s, got %s", expectedStr, actual)
	}
}
