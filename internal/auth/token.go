// Package auth implements HMAC token authentication for the reservation API.
// Clients sign "user|timestamp" with a shared key file readable by local
// users; the daemon recomputes the signature and bounds the clock skew.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// KeyFileName is the name of the shared authentication key file.
	KeyFileName = "auth_key"

	// MaxClockSkew bounds the difference between client and server clocks.
	MaxClockSkew = 300 * time.Second

	// KeySize is the number of random bytes in the auth key.
	KeySize = 32
)

// Request headers carrying a token.
const (
	HeaderUser      = "X-Auth-User"
	HeaderTimestamp = "X-Auth-Timestamp"
	HeaderToken     = "X-Auth-Token"
)

var (
	ErrExpired      = errors.New("token timestamp outside allowed skew")
	ErrInvalidToken = errors.New("invalid token")
)

// GenerateKeyFile creates a new random key file in dir, mode 0644 so local
// clients can sign requests.
func GenerateKeyFile(dir string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate random key")
	}
	path := filepath.Join(dir, KeyFileName)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0644); err != nil {
		return nil, errors.Wrapf(err, "write key file %s", path)
	}
	return key, nil
}

// LoadKey reads the key file in dir.
func LoadKey(dir string) ([]byte, error) {
	path := filepath.Join(dir, KeyFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read key file %s", path)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "decode key from %s", path)
	}
	return key, nil
}

// LoadOrGenerateKey loads the key file in dir, creating it if absent.
func LoadOrGenerateKey(dir string) ([]byte, error) {
	key, err := LoadKey(dir)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return GenerateKeyFile(dir)
}

// ComputeToken signs "user|timestamp" with key.
func ComputeToken(user string, timestamp int64, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(user + "|" + strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks tokens against one key.
type Verifier struct {
	key []byte
	now func() time.Time
}

// NewVerifier returns a Verifier for key using the wall clock.
func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key, now: time.Now}
}

// Verify checks token for user and timestamp (Unix seconds).
func (v *Verifier) Verify(user string, timestamp int64, token string) error {
	skew := v.now().Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return errors.Wrapf(ErrExpired, "skew %s", skew.Truncate(time.Second))
	}
	expected := ComputeToken(user, timestamp, v.key)
	if !hmac.Equal([]byte(token), []byte(expected)) {
		return errors.Wrapf(ErrInvalidToken, "user %s", user)
	}
	return nil
}

// VerifyHeaders checks the three auth header values and returns the user.
func (v *Verifier) VerifyHeaders(user, timestamp, token string) (string, error) {
	if user == "" || timestamp == "" || token == "" {
		return "", errors.Wrap(ErrInvalidToken, "missing credentials")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidToken, "timestamp %q", timestamp)
	}
	if err := v.Verify(user, ts, token); err != nil {
		return "", err
	}
	return user, nil
}
