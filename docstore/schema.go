package docstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docstore/kv"
)

// lockRetryInterval is how long the lock loop sleeps between attempts to
// acquire the descriptor lock. There is no timeout and no deadlock
// detection; the lock is advisory between cooperating initializers
// (SPEC_FULL.md §4.4).
var lockRetryInterval = 5 * time.Second

// Initialize runs the store's schema lifecycle exactly once per process:
// create the descriptor if absent, otherwise acquire the lock, upgrade,
// verify, migrate, and unlock. Re-entry while another goroutine is
// initializing is a no-op that returns nil at once, without waiting for the
// in-progress attempt to finish; once Initialized, it returns immediately. Calling it from inside a
// transaction is a programmer error.
func (s *Store) Initialize(ctx context.Context) error {
	return s.ensureInitialized(ctx)
}

func (s *Store) ensureInitialized(ctx context.Context) error {
	if tc, ok := ctx.Value(txnCtxKey{}).(*txnContext); ok && tc.store == s {
		return fmt.Errorf("%w: Initialize", ErrTransactionMisuse)
	}
	s.initMu.Lock()
	if s.initState == stateInitialized {
		s.initMu.Unlock()
		return nil
	}
	if s.initState == stateInitializing {
		s.initMu.Unlock()
		return nil
	}
	s.initState = stateInitializing
	s.initMu.Unlock()

	if err := s.runInitialization(ctx); err != nil {
		s.initMu.Lock()
		s.initState = stateUninitialized
		s.initMu.Unlock()
		return err
	}

	s.initMu.Lock()
	s.initState = stateInitialized
	s.initMu.Unlock()
	s.events.publish(Event{Kind: EventPut, Collection: "", Key: "didInitialize"})
	return nil
}

func (s *Store) runInitialization(ctx context.Context) error {
	created, err := s.createIfMissing(ctx)
	if err != nil {
		return err
	}
	if created {
		return nil
	}

	if err := s.acquireLock(ctx); err != nil {
		return err
	}
	var unlockErr error
	defer func() {
		unlockErr = s.unlock(ctx)
	}()

	desc, err := s.readDescriptor(ctx, s.backend)
	if err != nil {
		return err
	}
	desc, err = s.upgrade(ctx, desc)
	if err != nil {
		return err
	}
	// verify is a reserved hook; this build keeps it a no-op, matching the
	// Open Questions decision recorded in DESIGN.md.
	if err := s.migrate(ctx, desc); err != nil {
		return err
	}
	if unlockErr != nil {
		return unlockErr
	}
	return nil
}

func (s *Store) createIfMissing(ctx context.Context) (bool, error) {
	var created bool
	err := s.backend.Transaction(ctx, func(txn kv.Txn) error {
		_, found, err := txn.Get(ctx, s.codec.DescriptorKey(), kv.GetOptions{})
		if err != nil {
			return fmt.Errorf("docstore: read descriptor: %w", err)
		}
		if found {
			return nil
		}
		desc := StoreDescriptor{Version: schemaVersion}
		for _, c := range s.declared {
			desc.Collections = append(desc.Collections, toPersistedCollection(c))
		}
		if err := s.writeDescriptor(ctx, txn, desc); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		s.events.publish(Event{Kind: EventPut, Collection: "", Key: "didCreate"})
	}
	return created, nil
}

func (s *Store) acquireLock(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var locked bool
		err := s.backend.Transaction(ctx, func(txn kv.Txn) error {
			desc, err := s.readDescriptor(ctx, txn)
			if err != nil {
				return err
			}
			if desc.isLocked {
				return nil
			}
			desc.isLocked = true
			locked = true
			return s.writeLockedDescriptor(ctx, txn, desc)
		})
		if err != nil {
			return err
		}
		if locked {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (s *Store) unlock(ctx context.Context) error {
	return s.backend.Transaction(ctx, func(txn kv.Txn) error {
		desc, err := s.readDescriptor(ctx, txn)
		if err != nil {
			return err
		}
		desc.isLocked = false
		return s.writeDescriptor(ctx, txn, desc.StoreDescriptor)
	})
}

// ForceUnlock clears a stuck descriptor lock without running the rest of
// initialization. It is a privileged escape hatch — operators reach for
// it when a prior process crashed mid-migration and left isLocked=true
// forever; normal initialization never calls it (SPEC_FULL.md §4.4).
func (s *Store) ForceUnlock(ctx context.Context) error {
	s.log.Warn("docstore: force-unlocking store descriptor", zap.String("store", s.name))
	return s.unlock(ctx)
}

// CurrentDescriptor returns a defensive copy of the persisted descriptor.
// It requires no lock and may be called at any time, including before
// Initialize (SPEC_FULL.md §4.4).
func (s *Store) CurrentDescriptor(ctx context.Context) (StoreDescriptor, error) {
	lockable, err := s.readDescriptor(ctx, s.backend)
	if err != nil {
		return StoreDescriptor{}, err
	}
	return lockable.StoreDescriptor, nil
}

// lockableDescriptor carries the isLocked flag, which StoreDescriptor
// itself omits because callers of CurrentDescriptor never need to see it.
type lockableDescriptor struct {
	StoreDescriptor
	isLocked bool
}

func (s *Store) readDescriptor(ctx context.Context, txn kv.Txn) (lockableDescriptor, error) {
	value, _, err := txn.Get(ctx, s.codec.DescriptorKey(), kv.GetOptions{ErrorIfMissing: true})
	if err != nil {
		return lockableDescriptor{}, fmt.Errorf("%w: read descriptor: %v", ErrInvariantViolation, err)
	}
	raw, err := decodeDescriptorRaw(value)
	if err != nil {
		return lockableDescriptor{}, err
	}
	locked, _ := raw["isLocked"].(bool)
	return lockableDescriptor{StoreDescriptor: decodeDescriptorMap(raw), isLocked: locked}, nil
}

func (s *Store) writeDescriptor(ctx context.Context, txn kv.Txn, desc StoreDescriptor) error {
	raw := map[string]any{
		"name":        s.name,
		"version":     float64(desc.Version),
		"isLocked":    false,
		"collections": collectionsToRaw(desc.Collections),
	}
	return s.writeDescriptorRaw(ctx, txn, raw)
}

func (s *Store) writeLockedDescriptor(ctx context.Context, txn kv.Txn, desc lockableDescriptor) error {
	raw := map[string]any{
		"name":        s.name,
		"version":     float64(desc.Version),
		"isLocked":    desc.isLocked,
		"collections": collectionsToRaw(desc.Collections),
	}
	return s.writeDescriptorRaw(ctx, txn, raw)
}

func (s *Store) writeDescriptorRaw(ctx context.Context, txn kv.Txn, raw map[string]any) error {
	b, err := encodeValue(raw)
	if err != nil {
		return fmt.Errorf("docstore: encode descriptor: %w", err)
	}
	if err := txn.Put(ctx, s.codec.DescriptorKey(), b, kv.NewPutOptions()); err != nil {
		return fmt.Errorf("docstore: write descriptor: %w", err)
	}
	return nil
}

func collectionsToRaw(cs []PersistedCollection) []any {
	out := make([]any, 0, len(cs))
	for _, c := range cs {
		idxRaw := make([]any, 0, len(c.Indexes))
		for _, idx := range c.Indexes {
			keys := make([]any, 0, len(idx.Keys))
			for _, k := range idx.Keys {
				keys = append(keys, k)
			}
			im := map[string]any{"keys": keys}
			if idx.Computed {
				im["computed"] = true
				im["expr"] = idx.Expr
			}
			if len(idx.Projection) > 0 {
				proj := make([]any, 0, len(idx.Projection))
				for _, p := range idx.Projection {
					proj = append(proj, p)
				}
				im["projection"] = proj
			}
			idxRaw = append(idxRaw, im)
		}
		out = append(out, map[string]any{
			"name":    c.Name,
			"removed": c.Removed,
			"indexes": idxRaw,
		})
	}
	return out
}

func decodeDescriptorRaw(b []byte) (map[string]any, error) {
	return decodeItem(b)
}

// upgrade brings a persisted descriptor from its stored version to
// schemaVersion, applying version-specific fixups along the way
// (SPEC_FULL.md §4.4, "Upgrade").
func (s *Store) upgrade(ctx context.Context, desc lockableDescriptor) (lockableDescriptor, error) {
	if desc.Version > schemaVersion {
		return desc, fmt.Errorf("%w: descriptor version %d is newer than supported version %d",
			ErrInvariantViolation, desc.Version, schemaVersion)
	}
	if desc.Version == schemaVersion {
		return desc, nil
	}

	s.events.publish(Event{Kind: EventPut, Key: "upgradeDidStart"})
	defer s.events.publish(Event{Kind: EventPut, Key: "upgradeDidStop"})

	if desc.Version < 2 {
		// Legacy v1 descriptors may carry "tables" in place of
		// "collections" and per-index "lastMigrationNumber" bookkeeping;
		// decodeDescriptorMap already accepts either field name, so the
		// only fixup left is bumping the version marker itself.
		desc.Version = 2
	}
	if desc.Version < 3 {
		return desc, fmt.Errorf("%w: automatic upgrade from version %d to %d is not supported",
			ErrUnsupportedMigration, desc.Version, schemaVersion)
	}
	return desc, nil
}

// migrate reconciles the declared collection/index set against the
// persisted descriptor: adding new collections, building declared indexes
// the descriptor lacks, dropping persisted indexes no longer declared, and
// tombstoning collections that are no longer declared (SPEC_FULL.md §4.4,
// "Migrate"). Indexes are matched by their key paths only; an index whose
// projection or compute function changed under the same key paths is not
// rebuilt.
func (s *Store) migrate(ctx context.Context, desc lockableDescriptor) error {
	changed := false
	emitStart := func() {
		if !changed {
			s.events.publish(Event{Kind: EventPut, Key: "migrationDidStart"})
			changed = true
		}
	}
	defer func() {
		if changed {
			s.events.publish(Event{Kind: EventPut, Key: "migrationDidStop"})
		}
	}()

	declaredByName := make(map[string]Collection, len(s.declared))
	for _, c := range s.declared {
		declaredByName[c.Name] = c
	}

	pace := newPacer()
	for _, c := range s.declared {
		persisted, found := desc.findCollection(c.Name)
		if !found {
			emitStart()
			persisted = toPersistedCollection(c)
			desc.Collections = append(desc.Collections, persisted)
			if err := s.writeLockedDescriptor(ctx, s.backend, desc); err != nil {
				return err
			}
			continue
		}
		if persisted.Removed {
			return fmt.Errorf("%w: collection %q was previously removed and cannot be re-added",
				ErrUnsupportedMigration, c.Name)
		}
		if err := s.reconcileIndexes(ctx, &desc, c, persisted, pace, emitStart); err != nil {
			return err
		}
	}

	for i := range desc.Collections {
		pc := &desc.Collections[i]
		if pc.Removed {
			continue
		}
		if _, stillDeclared := declaredByName[pc.Name]; stillDeclared {
			continue
		}
		emitStart()
		if err := s.dropCollectionIndexes(ctx, *pc); err != nil {
			return err
		}
		pc.Indexes = nil
		pc.Removed = true
		if err := s.writeLockedDescriptor(ctx, s.backend, desc); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) reconcileIndexes(ctx context.Context, desc *lockableDescriptor, declared Collection, persisted PersistedCollection, pace *pacer, emitStart func()) error {
	persistedByName := make(map[string]PersistedIndex, len(persisted.Indexes))
	for _, pi := range persisted.Indexes {
		persistedByName[pi.name()] = pi
	}
	declaredByName := make(map[string]Index, len(declared.Indexes))
	for _, idx := range declared.Indexes {
		declaredByName[idx.Name()] = idx
	}

	ci := findPersistedCollectionIndex(desc.Collections, declared.Name)

	for _, idx := range declared.Indexes {
		if _, exists := persistedByName[idx.Name()]; exists {
			continue
		}
		emitStart()
		if err := s.addIndex(ctx, declared.Name, idx, pace); err != nil {
			return err
		}
		desc.Collections[ci].Indexes = append(desc.Collections[ci].Indexes, toPersistedIndex(idx))
		if err := s.writeLockedDescriptor(ctx, s.backend, *desc); err != nil {
			return err
		}
	}

	// persisted.Indexes shares its backing array with
	// desc.Collections[ci].Indexes (findCollection returns a shallow copy);
	// removeByName compacts that same array in place, so this loop must
	// range over a snapshot rather than the live slice or a removal
	// upstream can shift a not-yet-visited entry into an already-visited
	// position and skip it.
	toDrop := append([]PersistedIndex(nil), persisted.Indexes...)
	for _, pi := range toDrop {
		if _, exists := declaredByName[pi.name()]; exists {
			continue
		}
		emitStart()
		if err := s.removeIndex(ctx, declared.Name, pi.name()); err != nil {
			return err
		}
		desc.Collections[ci].Indexes = removeByName(desc.Collections[ci].Indexes, pi.name())
		if err := s.writeLockedDescriptor(ctx, s.backend, *desc); err != nil {
			return err
		}
	}
	return nil
}

func findPersistedCollectionIndex(cs []PersistedCollection, name string) int {
	for i, c := range cs {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func removeByName(idxs []PersistedIndex, name string) []PersistedIndex {
	out := idxs[:0]
	for _, idx := range idxs {
		if idx.name() != name {
			out = append(out, idx)
		}
	}
	return out
}

// addIndex scans the collection and writes every entry the new index
// produces (SPEC_FULL.md §4.4, "_addIndex").
func (s *Store) addIndex(ctx context.Context, collection string, idx Index, pace *pacer) error {
	return s.backend.Transaction(ctx, func(txn kv.Txn) error {
		return s.idx.rebuildIndex(ctx, txn, collection, idx, pace)
	})
}

// removeIndex drops every entry of one index via a prefix range delete
// (SPEC_FULL.md §4.4, "_removeIndex").
func (s *Store) removeIndex(ctx context.Context, collection, idxName string) error {
	return s.backend.Transaction(ctx, func(txn kv.Txn) error {
		namespace := indexNamespace(collection, idxName)
		_, err := txn.FindAndDelete(ctx, kv.Query{Prefix: s.codec.IndexEntryPrefix(namespace)})
		return err
	})
}

func (s *Store) dropCollectionIndexes(ctx context.Context, pc PersistedCollection) error {
	for _, pi := range pc.Indexes {
		if err := s.removeIndex(ctx, pc.Name, pi.name()); err != nil {
			return err
		}
	}
	return nil
}

// RemoveCollectionsMarkedAsRemoved purges the data and descriptor entry
// of every tombstoned collection (SPEC_FULL.md §4.4).
func (s *Store) RemoveCollectionsMarkedAsRemoved(ctx context.Context) error {
	return s.backend.Transaction(ctx, func(txn kv.Txn) error {
		desc, err := s.readDescriptor(ctx, txn)
		if err != nil {
			return err
		}
		kept := desc.Collections[:0]
		for _, pc := range desc.Collections {
			if !pc.Removed {
				kept = append(kept, pc)
				continue
			}
			if _, err := txn.FindAndDelete(ctx, kv.Query{Prefix: s.codec.CollectionPrefix(pc.Name)}); err != nil {
				return err
			}
		}
		desc.Collections = kept
		return s.writeLockedDescriptor(ctx, txn, desc)
	})
}

// DestroyAll deletes every key under this store's namespace and resets
// initialization state. It is forbidden inside a transaction
// (SPEC_FULL.md §5, "shared-resource discipline").
func (s *Store) DestroyAll(ctx context.Context) error {
	if tc, ok := ctx.Value(txnCtxKey{}).(*txnContext); ok && tc.store == s {
		return fmt.Errorf("%w: DestroyAll", ErrTransactionMisuse)
	}
	s.initMu.Lock()
	s.initState = stateUninitialized
	s.initMu.Unlock()
	_, err := s.backend.FindAndDelete(ctx, kv.Query{Prefix: kv.Tuple{s.name}})
	return err
}

// Stats returns per-collection item and index-entry counts
// (SPEC_FULL.md §4.4, administration hooks).
type CollectionStats struct {
	Name        string
	ItemCount   int
	IndexCounts map[string]int
}

func (s *Store) Stats(ctx context.Context) ([]CollectionStats, error) {
	var out []CollectionStats
	for _, c := range s.declared {
		itemCount, err := s.backend.Count(ctx, kv.Query{Prefix: s.codec.CollectionPrefix(c.Name)})
		if err != nil {
			return nil, fmt.Errorf("docstore: count collection %q: %w", c.Name, err)
		}
		stat := CollectionStats{Name: c.Name, ItemCount: itemCount, IndexCounts: map[string]int{}}
		for _, idx := range c.Indexes {
			namespace := s.reg.namespaceFor(c.Name, idx)
			n, err := s.backend.Count(ctx, kv.Query{Prefix: s.codec.IndexEntryPrefix(namespace)})
			if err != nil {
				return nil, fmt.Errorf("docstore: count index %q of %q: %w", idx.Name(), c.Name, err)
			}
			stat.IndexCounts[idx.Name()] = n
		}
		out = append(out, stat)
	}
	return out, nil
}
