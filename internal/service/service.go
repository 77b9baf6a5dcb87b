// Copyright 2025 IndexFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package service composes the volume readers, journal monitors, index
// builders, search engines and the transaction manager into one process.
// It owns every index handle; nothing below this layer holds ambient
// mutable state.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"indexfs/internal/cache"
	"indexfs/internal/common"
	"indexfs/internal/config"
	"indexfs/internal/index"
	"indexfs/internal/progress"
	"indexfs/internal/search"
	"indexfs/internal/store"
	"indexfs/internal/txn"
	"indexfs/internal/volume"
	"indexfs/internal/worker"
)

// volumeState bundles everything one volume needs.
type volumeState struct {
	vol       volume.Volume
	watchRoot string
	builder   *index.Builder
	engine    *search.Engine
}

// Service is the composing layer behind the CLI.
type Service struct {
	settings *config.Settings
	store    *store.Store
	opener   volume.Opener
	pool     *worker.Pool
	events   *progress.Broadcaster[progress.Update]
	changes  *progress.Broadcaster[ChangeNote]
	txns     *txn.Manager
	keep     config.ExcludeFilter
	results  *cache.ResultCache

	mu      sync.Mutex
	volumes map[string]*volumeState
}

// New builds a service from settings, warm-starting each volume's index
// from the persisted store.
func New(settings *config.Settings, st *store.Store, opener volume.Opener) (*Service, error) {
	txns, err := txn.NewManager(settings.Txn, st)
	if err != nil {
		return nil, err
	}

	s := &Service{
		settings: settings,
		store:    st,
		opener:   opener,
		pool: worker.NewPool(worker.Config{
			Name:       "indexfs",
			MaxWorkers: settings.Workers,
			QueueSize:  settings.QueueSize,
		}),
		events:  progress.NewBroadcaster[progress.Update](settings.QueueSize),
		changes: progress.NewBroadcaster[ChangeNote](settings.QueueSize),
		txns:    txns,
		keep:    config.BuildExcludeFilter(settings.Excludes),
		results: cache.NewResultCache(2*time.Second, 256),
		volumes: make(map[string]*volumeState),
	}

	for _, vc := range settings.Volumes {
		if err := s.addVolume(vc); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) addVolume(vc config.VolumeConfig) error {
	if vc.Name == "" {
		return fmt.Errorf("volume without a name: %w", common.ErrInvalidPath)
	}
	b := index.NewBuilder(vc.Name, index.Config{
		BloomExpected: s.settings.BloomExpected,
		BloomFPRate:   s.settings.BloomFPRate,
		PathCacheSize: s.settings.PathCacheSize,
	})

	// Warm start from persisted rows; the journal cursor seeds the
	// sequence watermark so live events resume cleanly.
	ctx := context.Background()
	n, err := s.store.LoadFiles(ctx, vc.Name, b.Restore)
	if err != nil {
		return err
	}
	if cur, found, err := s.store.LoadCursor(vc.Name); err != nil {
		return err
	} else if found {
		b.SetLastSeq(cur.Seq)
	}
	b.Publish()
	if n > 0 {
		log.WithFields(log.Fields{"volume": vc.Name, "files": n}).Info("index warm-started from store")
	}

	s.mu.Lock()
	s.volumes[vc.Name] = &volumeState{
		vol: volume.Volume{
			Name:        vc.Name,
			TablePath:   vc.TablePath,
			JournalPath: vc.JournalPath,
		},
		watchRoot: vc.WatchRoot,
		builder:   b,
		engine:    search.NewEngine(b),
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) volumeState(name string) (*volumeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.volumes[name]
	if !ok {
		return nil, fmt.Errorf("volume %s: %w", name, common.ErrNotFound)
	}
	return vs, nil
}

// Volumes lists configured volume names.
func (s *Service) Volumes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.volumes))
	for name := range s.volumes {
		names = append(names, name)
	}
	return names
}

// Snapshot returns the current index snapshot for a volume.
func (s *Service) Snapshot(name string) (*index.Snapshot, error) {
	vs, err := s.volumeState(name)
	if err != nil {
		return nil, err
	}
	return vs.builder.Snapshot(), nil
}

// VolumeStats summarizes one volume's index state.
type VolumeStats struct {
	Entries int
	LastSeq uint64
	Dropped uint64
	Partial bool
}

// Stats reports one volume's index state.
func (s *Service) Stats(name string) (VolumeStats, error) {
	vs, err := s.volumeState(name)
	if err != nil {
		return VolumeStats{}, err
	}
	snap := vs.builder.Snapshot()
	return VolumeStats{
		Entries: len(snap.IDs()),
		LastSeq: vs.builder.LastSeq(),
		Dropped: vs.builder.Dropped(),
		Partial: snap.Partial(),
	}, nil
}

// Search runs a query against one volume's current snapshot. Results are
// cached until the volume's index changes; partial (mid-scan) results
// bypass the cache.
func (s *Service) Search(ctx context.Context, volName string, q search.Query) (*search.Result, error) {
	vs, err := s.volumeState(volName)
	if err != nil {
		return nil, err
	}

	key := cache.Key(volName, q.Fingerprint())
	if cached, ok := s.results.Get(key).(*search.Result); ok && cached != nil {
		return cached, nil
	}

	res, err := vs.engine.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	if !res.Partial {
		s.results.Set(key, res)
	}
	return res, nil
}

// SubscribeProgress returns a channel of scan/apply progress updates.
func (s *Service) SubscribeProgress() (<-chan progress.Update, func()) {
	return s.events.Subscribe()
}

// ChangeNote summarizes one applied batch of live change events.
type ChangeNote struct {
	Volume    string
	Touched   []uint64
	Removed   []uint64
	Seq       uint64
	Timestamp time.Time
}

// SubscribeChanges returns a channel of change notes for one volume and
// a cancel function. Notes for other volumes are filtered out.
func (s *Service) SubscribeChanges(volName string) (<-chan ChangeNote, func()) {
	src, cancel := s.changes.Subscribe()
	out := make(chan ChangeNote, cap(src))
	go func() {
		defer close(out)
		for note := range src {
			if note.Volume != volName {
				continue
			}
			select {
			case out <- note:
			default:
				// Drop the oldest so the producer side never backs up.
				select {
				case <-out:
				default:
				}
				out <- note
			}
		}
	}()
	return out, cancel
}

// Compact purges tombstones, rebuilds the bloom filter, prunes the audit
// table and purges expired staged deletes.
func (s *Service) Compact(ctx context.Context, volName string) error {
	vs, err := s.volumeState(volName)
	if err != nil {
		return err
	}
	vs.builder.Compact()
	s.results.InvalidateVolume(volName)
	s.events.Publish(progress.Update{Volume: volName, Stage: "compact", Timestamp: time.Now()})

	if _, err := s.txns.PurgeStaging(); err != nil {
		log.WithError(err).Warn("staging purge failed")
	}
	if _, err := s.store.PruneTransactions(ctx, s.settings.AuditRetention); err != nil {
		log.WithError(err).Warn("audit prune failed")
	}
	return nil
}

// ScanAll rebuilds every volume's index, fanning out across the worker
// pool and waiting for the last scan to finish.
func (s *Service) ScanAll(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, name := range s.Volumes() {
		name := name
		wg.Add(1)
		task := worker.Task{
			Name: "scan:" + name,
			Fn: func(tctx context.Context) error {
				defer wg.Done()
				_, err := s.Scan(tctx, name)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
				return err
			},
		}
		if err := s.pool.SubmitWait(ctx, task); err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()
	return firstErr
}

// PoolStats reports background worker counters.
func (s *Service) PoolStats() worker.Stats {
	return s.pool.Stats()
}

// --- transaction passthroughs ---

func (s *Service) BeginTransaction(ctx context.Context) (*txn.Transaction, error) {
	return s.txns.Begin(ctx)
}

func (s *Service) AddOperation(tx *txn.Transaction, op txn.Operation) error {
	return s.txns.AddOperation(tx, op)
}

func (s *Service) Commit(ctx context.Context, tx *txn.Transaction) error {
	return s.txns.Commit(ctx, tx)
}

func (s *Service) Rollback(ctx context.Context, tx *txn.Transaction) error {
	return s.txns.Rollback(ctx, tx)
}

func (s *Service) GetTransaction(id string) (*txn.Transaction, error) {
	return s.txns.Get(id)
}

func (s *Service) ListRecentTransactions(ctx context.Context, window time.Duration) ([]*txn.Transaction, error) {
	return s.txns.ListRecent(ctx, window)
}

// Close stops background work and releases resources. The store is owned
// by the caller.
func (s *Service) Close() {
	s.pool.Stop()
	s.events.Close()
	s.changes.Close()
	if s.txns != nil {
		if err := s.txns.Close(); err != nil {
			log.WithError(err).Warn("failed to close transaction manager")
		}
	}
}

// --- scanning ---

// Scan rebuilds one volume's index from scratch: table volumes stream the
// raw record table, journal-less watch volumes walk the directory tree.
func (s *Service) Scan(ctx context.Context, volName string) (*volume.ScanStats, error) {
	vs, err := s.volumeState(volName)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteVolume(ctx, volName); err != nil {
		return nil, err
	}

	vs.builder.BeginScan()
	defer func() {
		vs.builder.FinishScan()
		s.results.InvalidateVolume(volName)
		s.persistSnapshot(vs)
	}()

	if vs.vol.TablePath == "" && vs.watchRoot != "" {
		return s.scanTree(ctx, vs)
	}
	return s.scanTable(ctx, vs)
}

func (s *Service) scanTable(ctx context.Context, vs *volumeState) (*volume.ScanStats, error) {
	r := volume.NewReader(s.opener)
	r.Progress = func(processed, total uint64) {
		s.events.Publish(progress.Update{
			Volume: vs.vol.Name, Stage: "scan", Processed: processed, Total: total,
			Timestamp: time.Now(),
		})
	}

	entries, stats, errs := r.Scan(ctx, vs.vol)
	const publishEvery = 4096
	n := 0
	for e := range entries {
		if !s.keep(e.Name, e.IsDir()) {
			continue
		}
		vs.builder.ApplyEntry(e)
		if n++; n%publishEvery == 0 {
			vs.builder.Publish()
		}
	}
	if err := <-errs; err != nil {
		return stats, err
	}
	return stats, nil
}

// scanTree synthesizes table entries for a journal-less volume by walking
// its watch root. Entry ids are stable path hashes, matching what the
// fallback watcher will emit later.
func (s *Service) scanTree(ctx context.Context, vs *volumeState) (*volume.ScanStats, error) {
	stats := &volume.ScanStats{}
	start := time.Now()
	root := vs.watchRoot

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil || rel == "." {
			rel = ""
		}
		if rel != "" && !s.keep(filepath.ToSlash(rel), info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		e := volume.RawEntry{
			ID:       volume.EntryID(root, path),
			ParentID: volume.EntryID(root, filepath.Dir(path)),
			Name:     filepath.Base(path),
			Size:     uint64(info.Size()),
			Modified: info.ModTime(),
		}
		if info.IsDir() {
			e.Flags |= volume.FlagDirectory
		}
		if path == root {
			e.Name = ""
			e.ParentID = volume.RootID
		}

		stats.Entries++
		if e.IsDir() {
			stats.Dirs++
		} else {
			stats.Files++
			stats.TotalBytes += e.Size
		}
		vs.builder.ApplyEntry(e)
		return nil
	})
	stats.Elapsed = time.Since(start)
	if err != nil {
		return stats, err
	}

	log.WithFields(log.Fields{
		"volume":  vs.vol.Name,
		"entries": stats.Entries,
		"elapsed": stats.Elapsed,
	}).Info("tree scan finished")
	return stats, nil
}

// persistSnapshot writes the volume's live index rows to the store.
func (s *Service) persistSnapshot(vs *volumeState) {
	snap := vs.builder.Snapshot()
	ids := snap.IDs()
	files := make([]*index.IndexedFile, 0, len(ids))
	for _, id := range ids {
		if f := snap.Get(id); f != nil {
			files = append(files, f)
		}
	}
	if err := s.store.SaveFiles(context.Background(), vs.vol.Name, files); err != nil {
		log.WithError(err).WithField("volume", vs.vol.Name).Error("failed to persist index")
	}
}

// --- live monitoring ---

// Run starts monitoring every configured volume and blocks until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	s.mu.Lock()
	states := make([]*volumeState, 0, len(s.volumes))
	for _, vs := range s.volumes {
		states = append(states, vs)
	}
	s.mu.Unlock()

	for _, vs := range states {
		vs := vs
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.runVolume(ctx, vs); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).WithField("volume", vs.vol.Name).Error("volume monitor exited")
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// runVolume keeps one volume's index live: journal monitor when the
// volume has one, fsnotify fallback otherwise, full rescan whenever the
// journal demands it.
func (s *Service) runVolume(ctx context.Context, vs *volumeState) error {
	if vs.vol.JournalPath == "" && vs.watchRoot != "" {
		return s.streamWatcher(ctx, vs)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.streamJournal(ctx, vs)
		switch {
		case errors.Is(err, context.Canceled):
			return err
		case errors.Is(err, common.ErrNeedsFullRescan), errors.Is(err, common.ErrSequenceGap):
			log.WithField("volume", vs.vol.Name).Warn("journal forced a full rescan")
			// The monitor reset the cursor to the journal's current
			// identity; the builder's watermark must follow it or every
			// post-rescan event looks already applied and is dropped.
			vs.builder.SetLastSeq(0)
			if _, serr := s.Scan(ctx, vs.vol.Name); serr != nil {
				return serr
			}
			if cur, found, cerr := s.store.LoadCursor(vs.vol.Name); cerr == nil && found {
				vs.builder.SetLastSeq(cur.Seq)
			}
		case !volume.HasJournal(err):
			if vs.watchRoot == "" {
				return err
			}
			log.WithField("volume", vs.vol.Name).Info("no change journal, using fallback watcher")
			return s.streamWatcher(ctx, vs)
		case err != nil:
			log.WithError(err).WithField("volume", vs.vol.Name).Warn("journal monitor error, retrying")
			select {
			case <-time.After(s.settings.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Service) streamJournal(ctx context.Context, vs *volumeState) error {
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mon := volume.NewMonitor(vs.vol, s.opener, s.store)
	mon.PollInterval = s.settings.PollInterval

	events := make(chan volume.ChangeEvent, mon.ChannelCap)
	applyDone := make(chan error, 1)
	go func() {
		err := s.applyEvents(vs, events, mon.Ack)
		if err != nil {
			// Stop the monitor; nobody is consuming anymore.
			cancel()
		}
		applyDone <- err
	}()

	runErr := mon.Run(mctx, events)
	close(events)
	if applyErr := <-applyDone; applyErr != nil {
		return applyErr
	}
	return runErr
}

func (s *Service) streamWatcher(ctx context.Context, vs *volumeState) error {
	w := volume.NewWatcher(vs.vol.Name, vs.watchRoot)
	events := make(chan volume.ChangeEvent, 1024)
	applyDone := make(chan error, 1)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		err := s.applyEvents(vs, events, nil)
		if err != nil {
			cancel()
		}
		applyDone <- err
	}()

	runErr := w.Run(wctx, events)
	close(events)
	if applyErr := <-applyDone; applyErr != nil {
		return applyErr
	}
	return runErr
}

// applyEvents drains a change event stream into the builder, publishing a
// fresh snapshot and persisting touched rows in batches. ack, when
// non-nil, is told the applied sequence watermark after each batch lands
// in the store; the watcher path has no cursor and passes nil.
func (s *Service) applyEvents(vs *volumeState, events <-chan volume.ChangeEvent, ack func(uint64)) error {
	const batchSize = 256
	touched := make(map[uint64]struct{}, batchSize)
	removed := make([]uint64, 0, 8)
	applied := uint64(0)

	flush := func() {
		if len(touched) == 0 && len(removed) == 0 {
			return
		}
		vs.builder.Publish()
		s.results.InvalidateVolume(vs.vol.Name)
		snap := vs.builder.Snapshot()

		files := make([]*index.IndexedFile, 0, len(touched))
		for id := range touched {
			if f := snap.Get(id); f != nil {
				files = append(files, f)
			}
		}
		ctx := context.Background()
		persisted := true
		if err := s.store.SaveFiles(ctx, vs.vol.Name, files); err != nil {
			persisted = false
			log.WithError(err).WithField("volume", vs.vol.Name).Error("failed to persist index batch")
		}
		if err := s.store.DeleteFiles(ctx, vs.vol.Name, removed); err != nil {
			persisted = false
			log.WithError(err).WithField("volume", vs.vol.Name).Error("failed to delete index rows")
		}
		if persisted && ack != nil {
			ack(vs.builder.LastSeq())
		}

		s.events.Publish(progress.Update{
			Volume: vs.vol.Name, Stage: "apply", Processed: applied, Timestamp: time.Now(),
		})

		note := ChangeNote{
			Volume:    vs.vol.Name,
			Touched:   make([]uint64, 0, len(touched)),
			Removed:   append([]uint64(nil), removed...),
			Seq:       vs.builder.LastSeq(),
			Timestamp: time.Now(),
		}
		for id := range touched {
			note.Touched = append(note.Touched, id)
		}
		s.changes.Publish(note)

		touched = make(map[uint64]struct{}, batchSize)
		removed = removed[:0]
	}
	defer flush()

	apply := func(ev volume.ChangeEvent) error {
		if err := vs.builder.ApplyEvent(ev); err != nil {
			return err
		}
		applied++
		if ev.Reason&volume.ReasonDelete != 0 {
			removed = append(removed, ev.ID)
		} else {
			touched[ev.ID] = struct{}{}
		}
		return nil
	}

	// Flush whenever the stream goes idle, so a trickle of events still
	// reaches readers promptly; under load, batches amortize the publish.
	for {
		ev, ok := <-events
		if !ok {
			return nil
		}
		if err := apply(ev); err != nil {
			return err
		}
	drain:
		for len(touched)+len(removed) < batchSize {
			select {
			case ev, ok := <-events:
				if !ok {
					break drain
				}
				if err := apply(ev); err != nil {
					return err
				}
			default:
				break drain
			}
		}
		flush()
	}
}
