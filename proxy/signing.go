package proxy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SigningSecretFromEnv reads the HMAC secret for signed location URLs
// (spec §4.5) from the named environment variable. If the variable isn't
// set, an ephemeral per-process secret is generated - fine for a single
// Caddy instance, but signed URLs won't validate across a restart or a
// second instance, so production deployments should set it explicitly.
func SigningSecretFromEnv(envName string) []byte {
	if envName != "" {
		if v := os.Getenv(envName); v != "" {
			return []byte(v)
		}
	}
	secret := make([]byte, 32)
	rand.Read(secret)
	return secret
}

// SignLocation produces a signed location token for a proxy session,
// "<streamId>.<expiresUnix>.<hexHMAC>". The signature covers the stream ID
// and expiry so a token can't be replayed past its window or reused
// against a different stream.
func SignLocation(secret []byte, streamId string, expiresAt time.Time) string {
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(streamId + "." + exp))
	sig := hex.EncodeToString(mac.Sum(nil))
	return streamId + "." + exp + "." + sig
}

// VerifyLocation validates a token produced by SignLocation and returns
// the stream ID it authorizes.
func VerifyLocation(secret []byte, token string) (string, error) {
	// Split from the right: the stream ID itself may contain dots.
	sigIdx := strings.LastIndex(token, ".")
	if sigIdx < 0 {
		return "", fmt.Errorf("malformed location token")
	}
	expIdx := strings.LastIndex(token[:sigIdx], ".")
	if expIdx < 0 {
		return "", fmt.Errorf("malformed location token")
	}
	streamId, expStr, sig := token[:expIdx], token[expIdx+1:sigIdx], token[sigIdx+1:]

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(streamId + "." + expStr))
	expectedSig := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return "", fmt.Errorf("invalid location signature")
	}

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid location expiry")
	}
	if time.Now().Unix() > exp {
		return "", fmt.Errorf("location token expired")
	}

	return streamId, nil
}
