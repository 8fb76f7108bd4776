package keystore

import (
	"context"
	"crypto/rsa"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/multikey-encryption/internal/audit"
	"github.com/kenneth/multikey-encryption/internal/crypto"
	"github.com/kenneth/multikey-encryption/internal/metrics"
	"github.com/kenneth/multikey-encryption/internal/storage"
)

const testBits = 1024

func newTestManager(t *testing.T, opts Options) (*Manager, *storage.MemoryBackend) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	if opts.KeyPairBits == 0 {
		opts.KeyPairBits = testBits
	}
	engine := crypto.NewEngine(crypto.Config{InstanceID: "instance", Secret: "secret"})
	return NewManager(backend, engine, NewCredentials(), opts), backend
}

func initUser(t *testing.T, m *Manager, uid string) {
	t.Helper()
	created, err := m.InitUserKeys(context.Background(), uid, uid+"-pass")
	require.NoError(t, err)
	require.True(t, created)
	m.Credentials().Login(uid, uid+"-pass")
}

func TestAccessList_Recipients(t *testing.T) {
	access := AccessList{Users: []string{"user3", "user1", "user2", "user3", ""}}
	assert.Equal(t, []string{"user1", "user2", "user3"}, access.Recipients("user1"))
	assert.Equal(t, []string{"owner"}, AccessList{}.Recipients("owner"))
}

func TestCredentials(t *testing.T) {
	c := NewCredentials()
	_, ok := c.Password("user1")
	assert.False(t, ok)

	c.Login("user1", "pw")
	pw, ok := c.Password("user1")
	require.True(t, ok)
	assert.Equal(t, "pw", pw)

	c.Logout("user1")
	_, ok = c.Password("user1")
	assert.False(t, ok)

	var nilCreds *Credentials
	_, ok = nilCreds.Password("user1")
	assert.False(t, ok)
}

func TestGetPublicKey_Missing(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	_, err := m.GetPublicKey(context.Background(), "ghost")
	uid, ok := IsPublicKeyMissing(err)
	require.True(t, ok, "expected PublicKeyMissingError, got %v", err)
	assert.Equal(t, "ghost", uid)
}

func TestGetPublicKey_Corrupt(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	require.NoError(t, backend.SetPublicKey(context.Background(), "user1", []byte("garbage")))

	_, err := m.GetPublicKey(context.Background(), "user1")
	require.Error(t, err)
	_, missing := IsPublicKeyMissing(err)
	assert.False(t, missing, "a broken key is not a missing key")
}

func TestGetPublicKeys_AllOrNothing(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	initUser(t, m, "user1")
	initUser(t, m, "user2")

	keys, err := m.GetPublicKeys(context.Background(), []string{"user1", "user2", "user1"})
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = m.GetPublicKeys(context.Background(), []string{"user1", "user3", "user2"})
	assert.Nil(t, keys)
	uid, ok := IsPublicKeyMissing(err)
	require.True(t, ok)
	assert.Equal(t, "user3", uid)
}

func TestAddSystemKeys(t *testing.T) {
	m, _ := newTestManager(t, Options{
		RecoveryEnabled:  true,
		RecoveryKeyID:    "recovery",
		PublicShareKeyID: "pubshare",
	})
	ctx := context.Background()
	initUser(t, m, "user1")
	_, err := m.InitSystemKey(ctx, "recovery", "recovery-pass")
	require.NoError(t, err)

	userKeys, err := m.GetPublicKeys(ctx, []string{"user1"})
	require.NoError(t, err)

	keys, err := m.AddSystemKeys(ctx, AccessList{}, userKeys)
	require.NoError(t, err)
	assert.Contains(t, keys, "user1")
	assert.Contains(t, keys, "recovery")
	assert.NotContains(t, keys, "pubshare")
	assert.Len(t, userKeys, 1, "input map is not modified")

	_, err = m.AddSystemKeys(ctx, AccessList{Public: true}, userKeys)
	uid, ok := IsPublicKeyMissing(err)
	require.True(t, ok, "public link key was never created")
	assert.Equal(t, "pubshare", uid)

	_, err = m.InitSystemKey(ctx, "pubshare", "")
	require.NoError(t, err)
	keys, err = m.AddSystemKeys(ctx, AccessList{Public: true}, userKeys)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestAddSystemKeys_RecoveryDisabled(t *testing.T) {
	m, _ := newTestManager(t, Options{RecoveryKeyID: "recovery"})
	keys, err := m.AddSystemKeys(context.Background(), AccessList{}, map[string]*rsa.PublicKey{})
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, m.SystemRecipients(AccessList{Public: true}))
}

func TestSetKeyPolicy(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	assert.Empty(t, m.SystemRecipients(AccessList{Public: true}))
	assert.Equal(t, testBits, m.KeyPolicy().KeyPairBits)

	m.SetKeyPolicy(KeyPolicy{RecoveryEnabled: true, RecoveryKeyID: "recovery", PublicShareKeyID: "pubshare"})
	assert.Equal(t, []string{"recovery", "pubshare"}, m.SystemRecipients(AccessList{Public: true}))
	assert.Equal(t, crypto.DefaultKeyPairBits, m.KeyPolicy().KeyPairBits, "zero bits means the default")
}

func TestFileKey_WrapAndUnwrap(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	initUser(t, m, "user1")
	initUser(t, m, "user2")

	path := "/user1/files/doc.txt"
	key, err := m.GetFileKey(ctx, path, "user1")
	require.NoError(t, err)
	assert.Nil(t, key, "no key yet means first write")

	has, err := m.HasFileKeys(ctx, path)
	require.NoError(t, err)
	assert.False(t, has)

	fileKey, err := m.Engine().GenerateFileKey()
	require.NoError(t, err)
	publicKeys, err := m.GetPublicKeys(ctx, []string{"user1", "user2"})
	require.NoError(t, err)
	wrapped, err := crypto.MultiKeyEncrypt(fileKey, publicKeys)
	require.NoError(t, err)
	require.NoError(t, m.SetAllFileKeys(ctx, path, wrapped))

	for _, uid := range []string{"user1", "user2"} {
		got, err := m.GetFileKey(ctx, path, uid)
		require.NoError(t, err, uid)
		assert.Equal(t, fileKey, got, uid)
	}

	got, err := m.GetFileKey(ctx, "/user1/files_versions/doc.txt.v1234", "user1")
	require.NoError(t, err)
	assert.Equal(t, fileKey, got, "versions share the key of the live file")

	has, err = m.HasFileKeys(ctx, path)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestGetFileKey_Errors(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	initUser(t, m, "user1")
	_, err := m.InitUserKeys(ctx, "user2", "user2-pass")
	require.NoError(t, err)

	path := "/user1/files/doc.txt"
	fileKey, err := m.Engine().GenerateFileKey()
	require.NoError(t, err)
	publicKeys, err := m.GetPublicKeys(ctx, []string{"user1", "user2"})
	require.NoError(t, err)
	wrapped, err := crypto.MultiKeyEncrypt(fileKey, publicKeys)
	require.NoError(t, err)
	require.NoError(t, m.SetAllFileKeys(ctx, path, wrapped))

	_, err = m.GetFileKey(ctx, path, "user3")
	assert.True(t, errors.Is(err, ErrShareKeyMissing), "got %v", err)

	_, err = m.GetFileKey(ctx, path, "user2")
	assert.True(t, errors.Is(err, ErrNotLoggedIn), "got %v", err)

	m.Credentials().Login("user2", "wrong")
	_, err = m.GetFileKey(ctx, path, "user2")
	assert.True(t, errors.Is(err, crypto.ErrInvalidPrivateKey), "got %v", err)
}

func TestSetAllFileKeys_Empty(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	err := m.SetAllFileKeys(context.Background(), "/user1/files/a", nil)
	assert.True(t, errors.Is(err, crypto.ErrNoRecipients))
}

func TestDeleteAndRenameFileKeys(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, m.SetAllFileKeys(ctx, "/u/files/dir/a.txt", map[string][]byte{"u": []byte("k")}))

	require.NoError(t, m.RenameFileKeys(ctx, "/u/files/dir", "/u/files/moved"))
	keys, err := backend.GetFileKeys(ctx, "/u/files/moved/a.txt")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, m.DeleteFileKeys(ctx, "/u/files/moved"))
	keys, err = backend.GetFileKeys(ctx, "/u/files/moved/a.txt")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestInitUserKeys_Idempotent(t *testing.T) {
	auditLog := audit.NewLogger(10, nil)
	m, backend := newTestManager(t, Options{Audit: auditLog})
	ctx := context.Background()

	created, err := m.InitUserKeys(ctx, "user1", "pw")
	require.NoError(t, err)
	assert.True(t, created)
	first, err := backend.GetPublicKey(ctx, "user1")
	require.NoError(t, err)

	created, err = m.InitUserKeys(ctx, "user1", "other")
	require.NoError(t, err)
	assert.False(t, created)
	second, err := backend.GetPublicKey(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	blob, err := backend.GetPrivateKey(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, crypto.KeyFormatHash, crypto.ParseHeader(blob).KeyFormat())

	events := auditLog.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeKeyPair, events[0].EventType)
	assert.Equal(t, "init", events[0].Operation)
	assert.True(t, events[0].Success)
}

func TestCheckPassword(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	_, err := m.InitUserKeys(ctx, "user1", "right")
	require.NoError(t, err)

	ok, err := m.CheckPassword(ctx, "user1", "right")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.CheckPassword(ctx, "user1", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.CheckPassword(ctx, "ghost", "pw")
	assert.True(t, errors.Is(err, ErrPrivateKeyMissing))
}

func TestChangePassword(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	initUser(t, m, "user1")

	require.NoError(t, m.ChangePassword(ctx, "user1", "user1-pass", "new-pass"))

	ok, err := m.CheckPassword(ctx, "user1", "new-pass")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.CheckPassword(ctx, "user1", "user1-pass")
	require.NoError(t, err)
	assert.False(t, ok)

	pw, _ := m.Credentials().Password("user1")
	assert.Equal(t, "new-pass", pw, "logged in users keep working")

	err = m.ChangePassword(ctx, "user1", "bogus", "x")
	assert.True(t, errors.Is(err, crypto.ErrInvalidPrivateKey))
}

func TestManager_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newTestManager(t, Options{Metrics: metrics.NewMetricsWithRegistry(reg)})
	ctx := context.Background()
	initUser(t, m, "user1")

	_, err := m.GetPublicKey(ctx, "ghost")
	require.Error(t, err)
	_, err = m.GetPublicKey(ctx, "user1")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "key_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
