// Package projectstore provides a NATS JetStream key-value implementation of
// the core.ProjectStore interface.
package projectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/book-expert/tts-studio/internal/core"
	"github.com/nats-io/nats.go"
)

// Key prefixes inside the buckets.
const (
	projectKeyPrefix      = "project."
	subscriptionKeyPrefix = "subscription."
	ownerKeyPrefix        = "owner."
	commitKeyPrefix       = "commit."
)

const (
	// commitClaimTTL bounds how long commit markers are retained.
	commitClaimTTL    = 30 * 24 * time.Hour
	maxUpsertAttempts = 5
)

// Buckets names the key-value buckets used by the store.
type Buckets struct {
	Projects      string
	Subscriptions string
	Commits       string
}

// KVStore implements core.ProjectStore on JetStream key-value buckets.
type KVStore struct {
	projects      nats.KeyValue
	subscriptions nats.KeyValue
	commits       nats.KeyValue
}

// New creates the buckets if they do not exist and binds to them.
func New(jetstreamContext nats.JetStreamContext, buckets Buckets) (*KVStore, error) {
	projects, err := bindOrCreate(jetstreamContext, buckets.Projects, 0)
	if err != nil {
		return nil, err
	}

	subscriptions, err := bindOrCreate(jetstreamContext, buckets.Subscriptions, 0)
	if err != nil {
		return nil, err
	}

	commits, err := bindOrCreate(jetstreamContext, buckets.Commits, commitClaimTTL)
	if err != nil {
		return nil, err
	}

	return &KVStore{
		projects:      projects,
		subscriptions: subscriptions,
		commits:       commits,
	}, nil
}

func bindOrCreate(jetstreamContext nats.JetStreamContext, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := jetstreamContext.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}

	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to bind to key-value bucket '%s': %w", bucket, err)
	}

	kv, err = jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucket),
		History:     1,
		TTL:         ttl,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucket, err)
	}

	return kv, nil
}

// GetBlocks returns the project's blocks ordered by OrderIndex. An unknown
// project has no blocks.
func (s *KVStore) GetBlocks(_ context.Context, projectID string) ([]core.TextBlock, error) {
	blocks, _, err := s.loadBlocks(projectKeyPrefix + projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get blocks for project '%s': %w", projectID, err)
	}

	if blocks == nil {
		blocks = []core.TextBlock{}
	}

	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].OrderIndex < blocks[j].OrderIndex
	})

	return blocks, nil
}

// UpsertBlocks merges blocks into the project by ID, replacing existing
// entries and appending new ones. Concurrent writers are serialized with a
// compare-and-swap on the entry revision.
func (s *KVStore) UpsertBlocks(_ context.Context, projectID string, blocks []core.TextBlock) error {
	key := projectKeyPrefix + projectID

	var lastErr error

	for range maxUpsertAttempts {
		existing, revision, err := s.loadBlocks(key)
		if err != nil {
			return fmt.Errorf("failed to get blocks for project '%s': %w", projectID, err)
		}

		data, err := json.Marshal(mergeBlocks(existing, blocks))
		if err != nil {
			return fmt.Errorf("failed to encode blocks for project '%s': %w", projectID, err)
		}

		if revision == 0 {
			_, lastErr = s.projects.Create(key, data)
		} else {
			_, lastErr = s.projects.Update(key, data, revision)
		}

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("failed to put blocks for project '%s': %w", projectID, lastErr)
}

// UpdateBlock applies mutate to one block inside a compare-and-swap loop.
// mutate returns false to leave the block unchanged.
func (s *KVStore) UpdateBlock(
	_ context.Context,
	projectID, blockID string,
	mutate func(block *core.TextBlock) bool,
) error {
	key := projectKeyPrefix + projectID

	var lastErr error

	for range maxUpsertAttempts {
		blocks, revision, err := s.loadBlocks(key)
		if err != nil {
			return fmt.Errorf("failed to get blocks for project '%s': %w", projectID, err)
		}

		position := slices.IndexFunc(blocks, func(block core.TextBlock) bool {
			return block.ID == blockID
		})
		if position < 0 {
			return fmt.Errorf("%w: %s in project %s", core.ErrBlockNotFound, blockID, projectID)
		}

		if !mutate(&blocks[position]) {
			return nil
		}

		data, err := json.Marshal(blocks)
		if err != nil {
			return fmt.Errorf("failed to encode blocks for project '%s': %w", projectID, err)
		}

		_, lastErr = s.projects.Update(key, data, revision)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("failed to update block '%s' in project '%s': %w", blockID, projectID, lastErr)
}

// loadBlocks returns the stored blocks and their revision; revision 0 means
// the key does not exist yet.
func (s *KVStore) loadBlocks(key string) ([]core.TextBlock, uint64, error) {
	entry, err := s.projects.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, nil
		}

		return nil, 0, err
	}

	var blocks []core.TextBlock

	err = json.Unmarshal(entry.Value(), &blocks)
	if err != nil {
		return nil, 0, err
	}

	return blocks, entry.Revision(), nil
}

func mergeBlocks(existing, updates []core.TextBlock) []core.TextBlock {
	merged := core.CloneBlocks(existing)

	index := make(map[string]int, len(merged))
	for i, block := range merged {
		index[block.ID] = i
	}

	for _, block := range updates {
		if i, ok := index[block.ID]; ok {
			merged[i] = block

			continue
		}

		index[block.ID] = len(merged)
		merged = append(merged, block)
	}

	return merged
}

// GetSubscription returns the user's quota account.
func (s *KVStore) GetSubscription(_ context.Context, userID string) (core.QuotaAccount, error) {
	owner, err := s.subscriptions.Get(ownerKeyPrefix + userID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return core.QuotaAccount{}, fmt.Errorf("%w: user %s", core.ErrAccountNotFound, userID)
		}

		return core.QuotaAccount{}, fmt.Errorf("failed to get subscription owner for '%s': %w", userID, err)
	}

	return s.getSubscriptionByID(string(owner.Value()))
}

// DebitSubscription stores the new remaining balance. The write is
// last-writer-wins, matching the optimistic quota check.
func (s *KVStore) DebitSubscription(_ context.Context, subscriptionID string, newRemaining int) error {
	account, err := s.getSubscriptionByID(subscriptionID)
	if err != nil {
		return err
	}

	account.RemainingChars = max(newRemaining, 0)

	return s.putSubscription(account)
}

// PutSubscription creates or replaces a quota account.
func (s *KVStore) PutSubscription(_ context.Context, account core.QuotaAccount) error {
	if account.SubscriptionID == "" || account.UserID == "" {
		return fmt.Errorf("%w: subscription and user ids are required", core.ErrValidation)
	}

	_, err := s.subscriptions.Put(ownerKeyPrefix+account.UserID, []byte(account.SubscriptionID))
	if err != nil {
		return fmt.Errorf("failed to put subscription owner for '%s': %w", account.UserID, err)
	}

	return s.putSubscription(account)
}

// ClaimCommit atomically creates the commit marker for a generation.
func (s *KVStore) ClaimCommit(_ context.Context, generationID string) (bool, error) {
	_, err := s.commits.Create(commitKeyPrefix+generationID, []byte(time.Now().UTC().Format(time.RFC3339)))
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}

		return false, fmt.Errorf("failed to create commit marker for generation '%s': %w", generationID, err)
	}

	return true, nil
}

func (s *KVStore) getSubscriptionByID(subscriptionID string) (core.QuotaAccount, error) {
	entry, err := s.subscriptions.Get(subscriptionKeyPrefix + subscriptionID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return core.QuotaAccount{}, fmt.Errorf("%w: subscription %s", core.ErrAccountNotFound, subscriptionID)
		}

		return core.QuotaAccount{}, fmt.Errorf("failed to get subscription '%s': %w", subscriptionID, err)
	}

	var account core.QuotaAccount

	err = json.Unmarshal(entry.Value(), &account)
	if err != nil {
		return core.QuotaAccount{}, fmt.Errorf("failed to decode subscription '%s': %w", subscriptionID, err)
	}

	return account, nil
}

func (s *KVStore) putSubscription(account core.QuotaAccount) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to encode subscription '%s': %w", account.SubscriptionID, err)
	}

	_, err = s.subscriptions.Put(subscriptionKeyPrefix+account.SubscriptionID, data)
	if err != nil {
		return fmt.Errorf("failed to put subscription '%s': %w", account.SubscriptionID, err)
	}

	return nil
}
