// Package keydist generates the shared key of a group or broadcast
// conversation and distributes a wrapped copy to every participant.
//
// Wrapping runs on a bounded worker pool with one independent job per
// participant. A participant whose wrap fails, typically because no public
// key is registered, gets a Result carrying the reason instead of a wrapped
// key; the others are unaffected. Such a participant holds no key until one
// is resupplied and cannot decrypt in the meantime.
package keydist

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/storage"
)

// DefaultWorkers bounds concurrent wraps per distribution.
const DefaultWorkers = 10

var (
	// ErrNotDistributed indicates the participant holds no wrapped key yet.
	// It is recoverable: the client should request redistribution.
	ErrNotDistributed = errors.New("conversation key not distributed")

	// ErrWrongWrapSize indicates a supplied wrap does not match the
	// recipient's modulus size.
	ErrWrongWrapSize = errors.New("wrapped key size does not match recipient key")

	// ErrKeyMismatch indicates an unwrapped key does not match the
	// conversation fingerprint.
	ErrKeyMismatch = errors.New("key does not match conversation")

	// ErrAlreadyDistributed indicates the target of a resupply already
	// holds a wrapped key.
	ErrAlreadyDistributed = errors.New("conversation key already distributed")

	// ErrInactiveParticipant indicates a participant has left.
	ErrInactiveParticipant = errors.New("participant has left the conversation")
)

// KeyLookup supplies registered public keys.
type KeyLookup interface {
	PublicKey(ctx context.Context, userID string) ([]byte, error)
}

// Result is the outcome of wrapping the shared key for one participant.
type Result struct {
	UserID  string
	Wrapped []byte
	Err     error
}

// Distributed reports whether a wrapped key was produced.
func (r Result) Distributed() bool {
	return r.Err == nil && len(r.Wrapped) > 0
}

// Distribution is a freshly generated shared key and its per-participant wraps.
type Distribution struct {
	Key         []byte
	Fingerprint []byte
	Results     []Result
}

// Missing lists the participants that did not receive a wrapped key.
func (d *Distribution) Missing() []string {
	var out []string
	for _, r := range d.Results {
		if !r.Distributed() {
			out = append(out, r.UserID)
		}
	}
	return out
}

// Wipe erases the plaintext shared key once it has been distributed.
func (d *Distribution) Wipe() {
	crypto.ZeroBytes(d.Key)
}

// Manager is the ConversationKeyManager. It is safe for concurrent use.
type Manager struct {
	engine  *crypto.Engine
	keys    KeyLookup
	workers int
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// NewManager creates a Manager.
func NewManager(engine *crypto.Engine, keys KeyLookup, opts ...Option) *Manager {
	m := &Manager{engine: engine, keys: keys, workers: DefaultWorkers}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateGroupKey generates a shared key and wraps it for every participant.
// Only key generation failure is returned as an error; wrap failures are
// reported per participant in the Results.
func (m *Manager) CreateGroupKey(ctx context.Context, participantIDs []string) (*Distribution, error) {
	key, err := m.engine.GenerateSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("generate conversation key: %w", err)
	}

	dist := &Distribution{
		Key:         key,
		Fingerprint: crypto.KeyFingerprint(key),
		Results:     m.WrapFor(ctx, key, participantIDs),
	}

	logrus.WithFields(logrus.Fields{
		"function":     "CreateGroupKey",
		"package":      "keydist",
		"participants": len(participantIDs),
		"missing":      len(dist.Missing()),
	}).Info("Conversation key distributed")
	return dist, nil
}

// WrapFor wraps key for each user. Results are returned in input order.
func (m *Manager) WrapFor(ctx context.Context, key []byte, userIDs []string) []Result {
	results := make([]Result, len(userIDs))
	if len(userIDs) == 0 {
		return results
	}

	workers := m.workers
	if len(userIDs) < workers {
		workers = len(userIDs)
	}

	type job struct {
		index  int
		userID string
	}
	type indexed struct {
		index  int
		result Result
	}
	jobChan := make(chan job, len(userIDs))
	resultChan := make(chan indexed, len(userIDs))

	// Start workers
	for i := 0; i < workers; i++ {
		go func() {
			for j := range jobChan {
				resultChan <- indexed{index: j.index, result: m.wrapOne(ctx, key, j.userID)}
			}
		}()
	}

	for i, id := range userIDs {
		jobChan <- job{index: i, userID: id}
	}
	close(jobChan)

	for range userIDs {
		r := <-resultChan
		results[r.index] = r.result
	}

	logDistributionResults(results)
	return results
}

// wrapOne looks up one public key and wraps key for it.
func (m *Manager) wrapOne(ctx context.Context, key []byte, userID string) Result {
	pub, err := m.keys.PublicKey(ctx, userID)
	if err != nil {
		return Result{UserID: userID, Err: fmt.Errorf("public key lookup: %w", err)}
	}
	wrapped, err := m.engine.Wrap(key, pub)
	if err != nil {
		return Result{UserID: userID, Err: fmt.Errorf("wrap: %w", err)}
	}
	return Result{UserID: userID, Wrapped: wrapped}
}

func logDistributionResults(results []Result) {
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "WrapFor",
			"package":  "keydist",
			"user_id":  r.UserID,
			"error":    r.Err.Error(),
		}).Warn("Conversation key not distributed to participant")
	}
}

// Apply stores each successful wrap on its participant record. Failed
// results leave the record's wrapped key unset. Run it inside the
// transaction that creates or updates the participants.
func Apply(ctx context.Context, q storage.ConversationStore, conversationID string, results []Result) error {
	for _, r := range results {
		if !r.Distributed() {
			continue
		}
		p, err := q.GetParticipant(ctx, conversationID, r.UserID)
		if err != nil {
			return fmt.Errorf("apply wrapped key: %w", err)
		}
		p.WrappedKey = r.Wrapped
		if err := q.UpdateParticipant(ctx, p); err != nil {
			return fmt.Errorf("apply wrapped key: %w", err)
		}
	}
	return nil
}

// WrappedKeyFor returns the wrapped key stored for userID, ErrNotDistributed
// when none has been stored, or storage.ErrNotFound when the user has no
// participant record.
func WrappedKeyFor(ctx context.Context, q storage.ConversationStore, conversationID, userID string) ([]byte, error) {
	p, err := q.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !p.HasKey() {
		return nil, fmt.Errorf("%w: user %s in conversation %s", ErrNotDistributed, userID, conversationID)
	}
	return p.WrappedKey, nil
}

// OpenConversationKey recovers the shared key for userID with their private
// key and checks it against the conversation fingerprint.
func (m *Manager) OpenConversationKey(ctx context.Context, q storage.ConversationStore, conversationID, userID string, privateKeyPEM []byte) ([]byte, error) {
	conv, err := q.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	wrapped, err := WrappedKeyFor(ctx, q, conversationID, userID)
	if err != nil {
		return nil, err
	}
	key, err := m.engine.Unwrap(wrapped, privateKeyPEM)
	if err != nil {
		return nil, err
	}
	if len(conv.KeyFingerprint) > 0 && !crypto.VerifyKeyFingerprint(key, conv.KeyFingerprint) {
		crypto.ZeroBytes(key)
		return nil, ErrKeyMismatch
	}
	return key, nil
}

// CheckWrapSize verifies that wrapped has the size of a wrap produced for
// userID's registered public key.
func (m *Manager) CheckWrapSize(ctx context.Context, userID string, wrapped []byte) error {
	pemBytes, err := m.keys.PublicKey(ctx, userID)
	if err != nil {
		return err
	}
	pub, err := crypto.ParsePublicKey(pemBytes)
	if err != nil {
		return err
	}
	if len(wrapped) != pub.Size() {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongWrapSize, len(wrapped), pub.Size())
	}
	return nil
}

// Unwrap recovers a shared key from a wrap with the holder's private key.
func (m *Manager) Unwrap(wrapped, privateKeyPEM []byte) ([]byte, error) {
	return m.engine.Unwrap(wrapped, privateKeyPEM)
}

// Resupply stores a wrap that actorID produced out of band for targetID.
// The actor must be an active participant holding a wrap; the target must be
// an active participant without one. The wrap must be sized for the
// target's registered public key. Run it inside a transaction.
func (m *Manager) Resupply(ctx context.Context, q storage.ConversationStore, conversationID, actorID, targetID string, wrapped []byte) error {
	actor, err := q.GetParticipant(ctx, conversationID, actorID)
	if err != nil {
		return fmt.Errorf("resupply actor: %w", err)
	}
	if !actor.Active() {
		return fmt.Errorf("resupply actor %s: %w", actorID, ErrInactiveParticipant)
	}
	if !actor.HasKey() {
		return fmt.Errorf("resupply actor %s: %w", actorID, ErrNotDistributed)
	}

	target, err := q.GetParticipant(ctx, conversationID, targetID)
	if err != nil {
		return fmt.Errorf("resupply target: %w", err)
	}
	if !target.Active() {
		return fmt.Errorf("resupply target %s: %w", targetID, ErrInactiveParticipant)
	}
	if target.HasKey() {
		return fmt.Errorf("resupply target %s: %w", targetID, ErrAlreadyDistributed)
	}

	if err := m.CheckWrapSize(ctx, targetID, wrapped); err != nil {
		return err
	}

	target.WrappedKey = append([]byte(nil), wrapped...)
	if err := q.UpdateParticipant(ctx, target); err != nil {
		return fmt.Errorf("resupply store: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Resupply",
		"package":         "keydist",
		"conversation_id": conversationID,
		"actor_id":        actorID,
		"target_id":       targetID,
	}).WithFields(crypto.SecureFieldHash(wrapped, "wrap")).Info("Conversation key resupplied")
	return nil
}
