// Package registry holds one public key per user and hands public keys to
// the key distribution and message codec layers. Private keys are never
// stored; a server-generated private key is returned to its owner once.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
)

var (
	// ErrNoPublicKey indicates the user has not registered a public key.
	ErrNoPublicKey = errors.New("no public key registered")

	// ErrInvalidOwner indicates an empty owner id.
	ErrInvalidOwner = errors.New("owner id required")
)

// Registry is the KeyRegistry. It is stateless aside from its store and
// safe for concurrent use.
type Registry struct {
	keys   storage.KeyStore
	engine *crypto.Engine
	clock  crypto.TimeProvider
}

// New creates a Registry over keys.
func New(keys storage.KeyStore, engine *crypto.Engine, clock crypto.TimeProvider) *Registry {
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &Registry{keys: keys, engine: engine, clock: clock}
}

// Register validates publicKeyPEM and stores it for ownerID, fully
// replacing any previous record.
func (r *Registry) Register(ctx context.Context, ownerID string, publicKeyPEM []byte) (*models.PublicKeyRecord, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidOwner
	}
	if _, err := crypto.ParsePublicKey(publicKeyPEM); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"package":  "registry",
			"owner_id": ownerID,
			"error":    err.Error(),
		}).Warn("Rejected public key")
		return nil, err
	}

	rec := &models.PublicKeyRecord{
		OwnerID:   ownerID,
		PublicKey: string(publicKeyPEM),
		CreatedAt: r.clock.Now(),
	}
	if err := r.keys.PutPublicKey(ctx, rec); err != nil {
		return nil, fmt.Errorf("store public key: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"package":  "registry",
		"owner_id": ownerID,
	}).Info("Public key registered")
	return rec, nil
}

// GenerateFor creates a key pair, registers the public half and returns the
// private half. The private key is not retained and cannot be retrieved again.
func (r *Registry) GenerateFor(ctx context.Context, ownerID string) ([]byte, *models.PublicKeyRecord, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, nil, ErrInvalidOwner
	}

	kp, err := r.engine.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}

	rec, err := r.Register(ctx, ownerID, kp.Public)
	if err != nil {
		crypto.WipeKeyPair(kp)
		return nil, nil, err
	}
	return kp.Private, rec, nil
}

// PublicKey returns the PEM public key of ownerID or ErrNoPublicKey.
func (r *Registry) PublicKey(ctx context.Context, ownerID string) ([]byte, error) {
	rec, err := r.keys.GetPublicKey(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoPublicKey, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup public key: %w", err)
	}
	return []byte(rec.PublicKey), nil
}

// PublicKeys returns the PEM public keys of the given users. Users without
// a registered key are omitted.
func (r *Registry) PublicKeys(ctx context.Context, ownerIDs []string) (map[string][]byte, error) {
	recs, err := r.keys.GetPublicKeys(ctx, ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup public keys: %w", err)
	}

	out := make(map[string][]byte, len(recs))
	for _, rec := range recs {
		out[rec.OwnerID] = []byte(rec.PublicKey)
	}
	return out, nil
}

// Record returns the full stored record for ownerID.
func (r *Registry) Record(ctx context.Context, ownerID string) (*models.PublicKeyRecord, error) {
	rec, err := r.keys.GetPublicKey(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoPublicKey, ownerID)
	}
	return rec, err
}
