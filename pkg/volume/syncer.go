/*
 *
 *  * Licensed to the Apache Software Foundation (ASF) under one or more
 *  * contributor license agreements.  See the NOTICE file distributed with
 *  * this work for additional information regarding copyright ownership.
 *  * The ASF licenses this file to You under the Apache License, Version 2.0
 *  * (the "License"); you may not use this file except in compliance with
 *  * the License.  You may obtain a copy of the License at
 *  *
 *  *     http://www.apache.org/licenses/LICENSE-2.0
 *  *
 *  * Unless required by applicable law or agreed to in writing, software
 *  * distributed under the License is distributed on an "AS IS" BASIS,
 *  * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  * See the License for the specific language governing permissions and
 *  * limitations under the License.
 *
 */

package volume

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/monitor"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/store"
	"github.com/IceFireDB/IceFireDB-RedisVolume/utils"
)

var errOutsideVolume = errors.New("key resolves outside the volume")

// Syncer mirrors one mounted directory into redis and back:
//   - files created or written in the directory are pushed as key=relative path
//   - removed files delete their key
//   - every interval, keys with no file in the directory are written out
type Syncer struct {
	dir      string
	store    store.Store
	interval time.Duration
	mon      *monitor.Monitor
	log      *logrus.Entry
	// onRemove is told about deleted keys so other mounts can drop the file too.
	onRemove func(key string)

	// known holds keys that exist as files in this mount. A known key whose
	// file is missing has a remove event in flight, so Pull must not restore it.
	mu    sync.Mutex
	known map[string]struct{}

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSyncer(dir string, s store.Store, interval time.Duration, mon *monitor.Monitor, onRemove func(key string)) *Syncer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Syncer{
		dir:      dir,
		store:    s,
		interval: interval,
		mon:      mon,
		log:      logrus.WithField("mountpoint", dir),
		onRemove: onRemove,
		known:    map[string]struct{}{},
	}
}

func (s *Syncer) markKnown(key string, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if known {
		s.known[key] = struct{}{}
	} else {
		delete(s.known, key)
	}
}

func (s *Syncer) isKnown(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[key]
	return ok
}

// Start pushes the directory, pulls redis, then keeps both in sync until Stop.
func (s *Syncer) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	s.watcher = w
	if err := s.watchTree(s.dir); err != nil {
		w.Close()
		return err
	}
	if err := s.Walk(ctx); err != nil {
		w.Close()
		return err
	}
	if err := s.Pull(ctx); err != nil {
		w.Close()
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	utils.GoWithRecover(func() {
		defer s.wg.Done()
		s.watchLoop(ctx)
	}, nil)
	utils.GoWithRecover(func() {
		defer s.wg.Done()
		s.pullLoop(ctx)
	}, nil)
	return nil
}

// Stop blocks until both loops have returned.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Syncer) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := s.watcher.Add(path); err != nil {
				return errors.Wrapf(err, "watch %s", path)
			}
		}
		return nil
	})
}

// Walk pushes every regular file under the directory.
func (s *Syncer) Walk(ctx context.Context) error {
	return s.walkFrom(ctx, s.dir)
}

func (s *Syncer) walkFrom(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := s.PushFile(ctx, path); err != nil {
			s.mon.SyncOp(monitor.OpError)
			s.log.WithField("file", path).Warnf("push: %v", err)
		}
		return nil
	})
}

// Key maps a path inside the volume to its redis key.
func (s *Syncer) Key(path string) (string, error) {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideVolume
	}
	return filepath.ToSlash(rel), nil
}

// Path maps a redis key to a path inside the volume.
func (s *Syncer) Path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", errOutsideVolume
	}
	p := filepath.Join(s.dir, filepath.FromSlash(key))
	if _, err := s.Key(p); err != nil {
		return "", err
	}
	return p, nil
}

// PushFile stores the trimmed content of path unless redis already holds it.
func (s *Syncer) PushFile(ctx context.Context, path string) error {
	key, err := s.Key(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	value := strings.TrimSpace(string(data))
	s.markKnown(key, true)

	stored, found, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if found && stored == value {
		return nil
	}
	if err := s.store.Set(ctx, key, value); err != nil {
		return err
	}
	s.mon.SyncOp(monitor.OpPush)
	s.log.WithField("key", key).Debug("pushed")
	return nil
}

// RemoveKey deletes the key of a file that left the volume. The key stays
// known until redis has dropped it, so a concurrent Pull cannot write the
// file back from the value that is being deleted.
func (s *Syncer) RemoveKey(ctx context.Context, key string) error {
	if err := s.store.Del(ctx, key); err != nil {
		return err
	}
	s.markKnown(key, false)
	s.mon.SyncOp(monitor.OpDelete)
	s.log.WithField("key", key).Debug("deleted")
	if s.onRemove != nil {
		s.onRemove(key)
	}
	return nil
}

// Pull writes out every key that has no file in the directory yet. Existing
// files are left alone; the watcher owns them. Only store errors abort the
// pass, a key that cannot be written is logged and skipped.
func (s *Syncer) Pull(ctx context.Context) error {
	keys, err := s.store.Keys(ctx, "*")
	if err != nil {
		return err
	}
	for _, key := range keys {
		path, err := s.Path(key)
		if err != nil {
			s.log.WithField("key", key).Warn("skip key outside volume")
			continue
		}
		if _, err := os.Lstat(path); !os.IsNotExist(err) || s.isKnown(key) {
			continue
		}

		value, found, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := writeFile(path, value); err != nil {
			s.mon.SyncOp(monitor.OpError)
			s.log.WithField("key", key).Warnf("pull: %v", err)
			continue
		}
		s.markKnown(key, true)
		s.mon.SyncOp(monitor.OpPull)
		s.log.WithField("key", key).Debug("pulled")
	}
	return nil
}

func writeFile(path, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(value), 0o644)
}

func (s *Syncer) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Pull(ctx); err != nil && ctx.Err() == nil {
				s.mon.SyncOp(monitor.OpError)
				s.log.Warnf("pull: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Syncer) watchLoop(ctx context.Context) {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if err := s.handle(ctx, event); err != nil && ctx.Err() == nil {
				s.mon.SyncOp(monitor.OpError)
				s.log.WithField("file", event.Name).Warnf("%s: %v", event.Op, err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Errorf("watcher: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

// removeTree deletes key and, when key was a directory, every key below it.
// The event does not say which it was: the path is already gone.
func (s *Syncer) removeTree(ctx context.Context, key string) error {
	children, err := s.store.Keys(ctx, escapeGlob(key)+"/*")
	if err != nil {
		return err
	}
	if len(children) > 0 && s.watcher != nil {
		// a renamed directory keeps its inotify watch under the new name
		_ = s.watcher.Remove(filepath.Join(s.dir, filepath.FromSlash(key)))
	}
	for _, child := range children {
		if err := s.RemoveKey(ctx, child); err != nil {
			return err
		}
	}
	return s.RemoveKey(ctx, key)
}

// escapeGlob quotes the characters redis treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Syncer) handle(ctx context.Context, event fsnotify.Event) error {
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		key, err := s.Key(event.Name)
		if err != nil {
			return err
		}
		return s.removeTree(ctx, key)
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return nil
	}

	fi, err := os.Stat(event.Name)
	if os.IsNotExist(err) {
		// already gone again, the remove event follows
		return nil
	} else if err != nil {
		return err
	}
	if fi.IsDir() {
		if err := s.watchTree(event.Name); err != nil {
			return err
		}
		return s.walkFrom(ctx, event.Name)
	}
	if !fi.Mode().IsRegular() {
		return nil
	}
	return s.PushFile(ctx, event.Name)
}
