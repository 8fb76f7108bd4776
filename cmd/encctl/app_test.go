package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/multikey-encryption/internal/config"
	"github.com/kenneth/multikey-encryption/internal/crypto"
	"github.com/kenneth/multikey-encryption/internal/keystore"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Encryption.InstanceID = "test-instance"
	cfg.Encryption.Secret = "test-secret"
	cfg.Encryption.KeyPairBits = 1024
	cfg.Storage.Backend = config.StorageMemory
	cfg.Audit.Enabled = true
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	a, err := newApp(context.Background(), testConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	ctx := context.Background()
	for _, uid := range []string{"user1", "user2"} {
		created, err := a.keys.InitUserKeys(ctx, uid, uid+"-pw")
		require.NoError(t, err)
		require.True(t, created)
	}
	return a
}

func testPlaintext(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestApp_EncryptDecrypt(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.login(ctx, "user1", "user1-pw"))

	// every iteration replaces the previous version of the same file
	var previous []byte
	for _, size := range []int{0, 100, crypto.PlainBlockSize, 3*crypto.PlainBlockSize + 7, 200 * 1024} {
		plaintext := testPlaintext(t, size)
		path := "/user1/files/doc.bin"

		var existing *crypto.Header
		if previous != nil {
			h, err := readHeader(bytes.NewReader(previous))
			require.NoError(t, err)
			existing = h
		}

		var encrypted bytes.Buffer
		require.NoError(t, a.encrypt(ctx, "user1", path, existing, keystore.AccessList{}, bytes.NewReader(plaintext), &encrypted))
		assert.True(t, bytes.HasPrefix(encrypted.Bytes(), []byte(crypto.HeaderStart)), "size %d", size)
		previous = encrypted.Bytes()

		var decrypted bytes.Buffer
		require.NoError(t, a.decrypt(ctx, "user1", path, bytes.NewReader(encrypted.Bytes()), &decrypted))
		assert.True(t, bytes.Equal(plaintext, decrypted.Bytes()), "size %d: round trip mismatch", size)
	}
}

func TestCommand_EncryptReplacesFile(t *testing.T) {
	a := newTestApp(t)
	dir := t.TempDir()
	plainFile := filepath.Join(dir, "plain.txt")
	encFile := filepath.Join(dir, "doc.enc")
	var stdout, stderr bytes.Buffer
	c := &command{app: a, stdin: strings.NewReader(""), stdout: &stdout, stderr: &stderr}
	ctx := context.Background()
	creds := []string{"-user", "user1", "-password", "user1-pw", "-path", "/user1/files/doc.txt"}

	require.NoError(t, os.WriteFile(plainFile, []byte("version one"), 0o600))
	require.NoError(t, c.encrypt(ctx, append(creds, "-in", plainFile, "-out", encFile)))

	// without the current header the stored key cannot be matched to a cipher
	require.Error(t, c.encrypt(ctx, append(creds, "-in", plainFile, "-out", filepath.Join(dir, "other.enc"))))

	require.NoError(t, os.WriteFile(plainFile, []byte("version two"), 0o600))
	require.NoError(t, c.encrypt(ctx, append(creds, "-existing", encFile, "-in", plainFile, "-out", encFile)))

	stdout.Reset()
	require.NoError(t, c.decrypt(ctx, append(creds, "-in", encFile)))
	assert.Equal(t, "version two", stdout.String())
}

func TestApp_Share(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.login(ctx, "user1", "user1-pw"))
	require.NoError(t, a.login(ctx, "user2", "user2-pw"))

	path := "/user1/files/shared.txt"
	plaintext := []byte("quarterly numbers")

	var encrypted bytes.Buffer
	require.NoError(t, a.encrypt(ctx, "user1", path, nil, keystore.AccessList{}, bytes.NewReader(plaintext), &encrypted))

	var out bytes.Buffer
	err := a.decrypt(ctx, "user2", path, bytes.NewReader(encrypted.Bytes()), &out)
	require.Error(t, err, "user2 has no wrapped key yet")

	changed, err := a.sessions.UpdateAccess(ctx, path, "user1", keystore.AccessList{Users: []string{"user2"}})
	require.NoError(t, err)
	assert.True(t, changed)

	out.Reset()
	require.NoError(t, a.decrypt(ctx, "user2", path, bytes.NewReader(encrypted.Bytes()), &out))
	assert.Equal(t, plaintext, out.Bytes())
}

func TestApp_MissingRecipientFailsEncrypt(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.login(ctx, "user1", "user1-pw"))

	path := "/user1/files/report.txt"
	var encrypted bytes.Buffer
	err := a.encrypt(ctx, "user1", path, nil, keystore.AccessList{Users: []string{"nobody"}}, strings.NewReader("data"), &encrypted)
	require.Error(t, err)

	uid, ok := keystore.IsPublicKeyMissing(err)
	require.True(t, ok)
	assert.Equal(t, "nobody", uid)

	has, err := a.keys.HasFileKeys(ctx, path)
	require.NoError(t, err)
	assert.False(t, has, "no recipient may get a key when one is missing")
}

func TestApp_PassThroughPath(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, a.encrypt(ctx, "user1", "/user1/cache/thumb.png", nil, keystore.AccessList{}, strings.NewReader("raw"), &out))
	assert.Equal(t, "raw", out.String())

	var back bytes.Buffer
	require.NoError(t, a.decrypt(ctx, "user1", "/user1/cache/thumb.png", strings.NewReader("raw"), &back))
	assert.Equal(t, "raw", back.String())
}

func TestApp_Login(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	err := a.login(ctx, "user1", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong password")

	_, loggedIn := a.keys.Credentials().Password("user1")
	assert.False(t, loggedIn)

	require.NoError(t, a.login(ctx, "user1", "user1-pw"))
	pw, loggedIn := a.keys.Credentials().Password("user1")
	assert.True(t, loggedIn)
	assert.Equal(t, "user1-pw", pw)
}

func TestPrintHeader(t *testing.T) {
	header, err := crypto.GenerateHeader(crypto.CipherAES256CFB, crypto.KeyFormatHash)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printHeader(bytes.NewReader(append(header.Block(), "body"...)), &out))
	assert.Equal(t, "cipher: AES-256-CFB\nkeyFormat: hash\n", out.String())

	out.Reset()
	require.NoError(t, printHeader(strings.NewReader("plain"), &out))
	assert.Contains(t, out.String(), "no header")
}

func TestAccessList(t *testing.T) {
	access := accessList(" user2, ,user3,", true)
	assert.Equal(t, []string{"user2", "user3"}, access.Users)
	assert.True(t, access.Public)

	assert.Empty(t, accessList("", false).Users)
}

func TestRouter(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.login(context.Background(), "user1", "user1-pw"))
	router := a.newRouter()

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{path: "/healthz", status: http.StatusOK, contains: "ok"},
		{path: "/metrics", status: http.StatusOK, contains: "key_lookups_total"},
		{path: "/audit/events", status: http.StatusOK, contains: `"operation":"init"`},
		{path: "/missing", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestApplyReload(t *testing.T) {
	a := newTestApp(t)
	old := a.cfg
	next := *old
	next.Encryption.Cipher = crypto.CipherAES128CFB
	next.LogLevel = "debug"

	require.NoError(t, a.applyReload(old, &next))
	assert.Equal(t, crypto.CipherAES128CFB, a.sessions.Engine().Cipher().Name)
	assert.Equal(t, logrus.DebugLevel, a.logger.GetLevel())

	bad := next
	bad.Encryption.Cipher = crypto.CipherAES256CFB
	bad.LogLevel = "loud"
	require.Error(t, a.applyReload(&next, &bad))
	assert.Equal(t, crypto.CipherAES128CFB, a.sessions.Engine().Cipher().Name, "a rejected reload changes nothing")
}

func TestApplyReload_RecoveryKey(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.login(ctx, "user1", "user1-pw"))

	old := a.cfg
	next := *old
	next.Encryption.RecoveryEnabled = true
	next.Encryption.RecoveryKeyID = "recovery"

	require.Error(t, a.applyReload(old, &next), "the recovery key must exist first")
	assert.Empty(t, a.keys.SystemRecipients(keystore.AccessList{}))

	_, err := a.keys.InitSystemKey(ctx, "recovery", "recovery-pw")
	require.NoError(t, err)
	require.NoError(t, a.applyReload(old, &next))
	assert.Equal(t, []string{"recovery"}, a.keys.SystemRecipients(keystore.AccessList{}))

	path := "/user1/files/after-reload.txt"
	var out bytes.Buffer
	require.NoError(t, a.encrypt(ctx, "user1", path, nil, keystore.AccessList{}, strings.NewReader("data"), &out))
	keys, err := a.backend.GetFileKeys(ctx, path)
	require.NoError(t, err)
	assert.Contains(t, keys, "recovery")
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"version"}, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "encctl")

	code = run(context.Background(), nil, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 2, code)
}
