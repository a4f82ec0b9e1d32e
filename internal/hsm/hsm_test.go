package hsm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testSalt = []byte("0123456789abcdef")

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestInitKeyStore_RequiresMasterKey(t *testing.T) {
	_, err := InitKeyStore(Config{})
	assert.EqualError(t, err, "master key required")
}

func TestKeyStore_SignAndVerify(t *testing.T) {
	ks, err := InitKeyStore(Config{MasterKey: "master", Salt: testSalt})
	require.NoError(t, err)
	require.NoError(t, ks.StoreSecret("mtn_momo", []byte("s3cret")))

	body := []byte(`{"externalId":"pay-1","status":"SUCCESSFUL"}`)

	sig, err := ks.Sign("mtn_momo", body)
	require.NoError(t, err)
	assert.Equal(t, sign("s3cret", string(body)), sig)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid", sig, true},
		{"valid with prefix", "sha256=" + sig, true},
		{"tampered", sign("s3cret", `{"status":"FAILED"}`), false},
		{"wrong secret", sign("other", string(body)), false},
		{"not hex", "zz-not-hex", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := ks.Verify("mtn_momo", body, tt.signature)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestKeyStore_UnknownSecret(t *testing.T) {
	ks, err := InitKeyStore(Config{MasterKey: "master", Salt: testSalt})
	require.NoError(t, err)

	assert.False(t, ks.HasSecret("airtel_money"))
	_, err = ks.Verify("airtel_money", []byte("{}"), "00")
	assert.Error(t, err)
	_, err = ks.Sign("airtel_money", []byte("{}"))
	assert.Error(t, err)
}

func TestKeyStore_PersistsEncrypted(t *testing.T) {
	dir := t.TempDir()

	ks, err := InitKeyStore(Config{MasterKey: "master", KeyStorePath: dir, Salt: testSalt})
	require.NoError(t, err)
	require.NoError(t, ks.StoreSecret("flutterwave", []byte("flw-secret")))

	reloaded, err := InitKeyStore(Config{MasterKey: "master", KeyStorePath: dir, Salt: testSalt})
	require.NoError(t, err)
	assert.True(t, reloaded.HasSecret("flutterwave"))

	sig, err := reloaded.Sign("flutterwave", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, sign("flw-secret", "payload"), sig)

	wrongKey, err := InitKeyStore(Config{MasterKey: "other", KeyStorePath: dir, Salt: testSalt})
	require.NoError(t, err)
	assert.False(t, wrongKey.HasSecret("flutterwave"))

	require.NoError(t, reloaded.DeleteSecret("flutterwave"))
	assert.False(t, reloaded.HasSecret("flutterwave"))
}

func TestValidateKeyID(t *testing.T) {
	assert.NoError(t, validateKeyID("mtn_momo"))
	assert.Error(t, validateKeyID(""))
	assert.Error(t, validateKeyID("../etc/passwd"))
	assert.Error(t, validateKeyID("/abs"))
	assert.Error(t, validateKeyID("bad key"))
}

func TestAuditLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	audit := NewAuditLogger(zap.New(core))

	audit.LogPosting("entry-1", "acct-1", "deposit", 50000, "completed")
	audit.LogTransition("pay-1", "provider_succeeded", "completed", "webhook")
	audit.LogError("pay-2", "acct-2", errors.New("ledger unavailable"))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "audit", entries[0].LoggerName)
	assert.Equal(t, "POSTING", entries[0].ContextMap()["event_type"])
	assert.Equal(t, int64(50000), entries[0].ContextMap()["amount"])
	assert.Equal(t, "completed", entries[1].ContextMap()["status"])
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
}
