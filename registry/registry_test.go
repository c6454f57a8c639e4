package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/storage/memory"
)

var (
	engineOnce sync.Once
	testEngine *crypto.Engine
	pairA      *crypto.KeyPair
	pairB      *crypto.KeyPair
)

func setup(t *testing.T) (*Registry, *crypto.MockTimeProvider) {
	t.Helper()
	engineOnce.Do(func() {
		var err error
		testEngine, err = crypto.NewEngine()
		if err != nil {
			panic(err)
		}
		if pairA, err = testEngine.GenerateKeyPair(); err != nil {
			panic(err)
		}
		if pairB, err = testEngine.GenerateKeyPair(); err != nil {
			panic(err)
		}
	})
	clock := crypto.NewMockTimeProvider(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(memory.New(), testEngine, clock), clock
}

func TestRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	r, clock := setup(t)

	rec, err := r.Register(ctx, "alice", pairA.Public)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.OwnerID)
	assert.True(t, rec.CreatedAt.Equal(clock.Now()))

	pub, err := r.PublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, pairA.Public, pub)

	_, err = r.PublicKey(ctx, "bob")
	assert.ErrorIs(t, err, ErrNoPublicKey)
}

func TestRegisterReplaces(t *testing.T) {
	ctx := context.Background()
	r, clock := setup(t)

	_, err := r.Register(ctx, "alice", pairA.Public)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = r.Register(ctx, "alice", pairB.Public)
	require.NoError(t, err)

	rec, err := r.Record(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, string(pairB.Public), rec.PublicKey)
	assert.True(t, rec.CreatedAt.Equal(clock.Now()))
}

func TestRegisterRejectsInvalidKeys(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(t)

	_, err := r.Register(ctx, "alice", []byte("garbage"))
	assert.ErrorIs(t, err, crypto.ErrInvalidKeyMaterial)

	_, err = r.Register(ctx, "alice", pairA.Private)
	assert.ErrorIs(t, err, crypto.ErrInvalidKeyMaterial)

	_, err = r.Register(ctx, " ", pairA.Public)
	assert.ErrorIs(t, err, ErrInvalidOwner)

	_, err = r.PublicKey(ctx, "alice")
	assert.ErrorIs(t, err, ErrNoPublicKey, "rejected keys are not stored")
}

func TestGenerateForReturnsPrivateKeyOnce(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(t)

	priv, rec, err := r.GenerateFor(ctx, "carol")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Contains(t, string(priv), "PRIVATE KEY")
	assert.NotContains(t, rec.PublicKey, "PRIVATE")

	secret := []byte("0123456789abcdef0123456789abcdef")
	pub, err := r.PublicKey(ctx, "carol")
	require.NoError(t, err)
	wrapped, err := testEngine.Wrap(secret, pub)
	require.NoError(t, err)
	got, err := testEngine.Unwrap(wrapped, priv)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, _, err = r.GenerateFor(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidOwner)
}

func TestPublicKeysBatch(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(t)

	_, err := r.Register(ctx, "alice", pairA.Public)
	require.NoError(t, err)
	_, err = r.Register(ctx, "bob", pairB.Public)
	require.NoError(t, err)

	keys, err := r.PublicKeys(ctx, []string{"alice", "bob", "mallory"})
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Equal(t, pairA.Public, keys["alice"])
	assert.Equal(t, pairB.Public, keys["bob"])
	_, ok := keys["mallory"]
	assert.False(t, ok)
}
