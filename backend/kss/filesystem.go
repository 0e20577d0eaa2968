package kss

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalFilesystem implements the Driver interface on the local filesystem.
// It exists for tests and single-instance deployments without object storage.
// Pre-signed URLs are local URLs signed with an in-memory HMAC key, they are
// only valid for the lifetime of the process.
type LocalFilesystem struct {
	basePath string
	hmacKey  []byte
}

// NewLocalFilesystem returns a new LocalFilesystem rooted at basePath
func NewLocalFilesystem(lc LocalConfiguration) (*LocalFilesystem, error) {
	if lc.BasePath == "" {
		return nil, fmt.Errorf("BasePath must not be empty")
	}
	if err := os.MkdirAll(lc.BasePath, 0700); err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &LocalFilesystem{basePath: lc.BasePath, hmacKey: key}, nil
}

func (f *LocalFilesystem) path(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("'..' is not allowed in a key")
	}
	return filepath.Join(f.basePath, filepath.FromSlash(key)), nil
}

// GetPreSignedURL returns a signed local URL for the given method and key
func (f *LocalFilesystem) GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("'..' is not allowed in a key")
	}
	expiry := time.Now().Add(expireIn).UTC()

	v := url.Values{}
	v.Set("key", key)
	v.Set("method", string(method))
	v.Set("expiry", expiry.Format(time.RFC3339))
	v.Set("X-Amz-Date", expiry.Add(-expireIn).Format("20060102T150405Z"))

	mac := hmac.New(sha256.New, f.hmacKey)
	mac.Write([]byte(string(method) + "|" + key + "|" + expiry.Format(time.RFC3339)))
	v.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	u := url.URL{Scheme: "file", Path: "/" + key, RawQuery: v.Encode()}
	return u.String(), nil
}

// Verify tells whether a URL produced by GetPreSignedURL is still valid
func (f *LocalFilesystem) Verify(URL string) bool {
	u, err := url.Parse(URL)
	if err != nil {
		return false
	}
	v := u.Query()
	expiry, err := time.Parse(time.RFC3339, v.Get("expiry"))
	if err != nil || expiry.Before(time.Now()) {
		return false
	}
	mac := hmac.New(sha256.New, f.hmacKey)
	mac.Write([]byte(v.Get("method") + "|" + v.Get("key") + "|" + v.Get("expiry")))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(v.Get("signature")))
}

// UploadData stores data under key
func (f *LocalFilesystem) UploadData(key string, data []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0600)
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (f *LocalFilesystem) DeleteAllWithPrefix(prefix string) error {
	return f.Delete(prefix)
}
