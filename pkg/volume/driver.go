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

// Package volume is a docker volume driver whose volumes are mirrored into
// one redis database. Every volume sees the same keyspace: a file written
// in one mount shows up in the others within one sync interval.
package volume

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	dkvolume "github.com/docker/go-plugins-helpers/volume"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/config"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/monitor"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/store"
)

var (
	ErrVolumeNotFound = errors.New("volume not found")
	ErrVolumeInUse    = errors.New("volume is in use")
	ErrInvalidName    = errors.New("invalid volume name")
)

// redis calls made on behalf of a plugin request
const requestTimeout = 5 * time.Second

var _ dkvolume.Driver = (*Driver)(nil)

type volume struct {
	name       string
	mountpoint string
	createdAt  time.Time
	options    map[string]string
	ids        map[string]struct{}
	syncer     *Syncer
}

// Driver implements the docker volume plugin API on top of a redis store.
type Driver struct {
	root         string
	store        store.Store
	syncInterval time.Duration
	mon          *monitor.Monitor

	mu      sync.Mutex
	volumes map[string]*volume
}

// NewDriver adopts the directories already present under root as volumes.
func NewDriver(root string, s store.Store, syncInterval time.Duration, mon *monitor.Monitor) (*Driver, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create root %s", root)
	}
	d := &Driver{
		root:         root,
		store:        s,
		syncInterval: syncInterval,
		mon:          mon,
		volumes:      map[string]*volume{},
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "read root %s", root)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		created := time.Now()
		if fi, err := e.Info(); err == nil {
			created = fi.ModTime()
		}
		d.volumes[e.Name()] = newVolume(e.Name(), filepath.Join(root, e.Name()), created, nil)
	}
	return d, nil
}

func NewDriverFromConfig(c *config.Config, s store.Store, mon *monitor.Monitor) (*Driver, error) {
	return NewDriver(c.Volume.Root, s, config.MustDuration(c.Volume.SyncInterval), mon)
}

func newVolume(name, mountpoint string, created time.Time, opts map[string]string) *volume {
	return &volume{
		name:       name,
		mountpoint: mountpoint,
		createdAt:  created,
		options:    opts,
		ids:        map[string]struct{}{},
	}
}

func (d *Driver) mountpoint(name string) string {
	return filepath.Join(d.root, name)
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

// Create is idempotent. Redis is checked before anything is written to disk,
// so a failed create leaves no directory behind for the next start to adopt.
func (d *Driver) Create(r *dkvolume.CreateRequest) error {
	if !validName(r.Name) {
		return errors.Wrap(ErrInvalidName, r.Name)
	}
	log := logrus.WithField("volume", r.Name)
	log.Info("creating redis volume")

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.volumes[r.Name]; ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := d.store.Ping(ctx); err != nil {
		log.Errorf("checking redis: %v", err)
		return err
	}
	m := d.mountpoint(r.Name)
	if err := os.MkdirAll(m, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", m)
	}
	d.volumes[r.Name] = newVolume(r.Name, m, time.Now(), r.Options)
	return nil
}

func (d *Driver) Remove(r *dkvolume.RemoveRequest) error {
	logrus.WithField("volume", r.Name).Info("removing redis volume")

	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.volumes[r.Name]
	if !ok {
		return errors.Wrap(ErrVolumeNotFound, r.Name)
	}
	if len(v.ids) > 0 {
		return errors.Wrap(ErrVolumeInUse, r.Name)
	}
	if err := os.RemoveAll(v.mountpoint); err != nil {
		return errors.Wrapf(err, "remove %s", v.mountpoint)
	}
	delete(d.volumes, r.Name)
	return nil
}

func (d *Driver) Path(r *dkvolume.PathRequest) (*dkvolume.PathResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.volumes[r.Name]
	if !ok {
		return nil, errors.Wrap(ErrVolumeNotFound, r.Name)
	}
	return &dkvolume.PathResponse{Mountpoint: v.mountpoint}, nil
}

func (d *Driver) Get(r *dkvolume.GetRequest) (*dkvolume.GetResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.volumes[r.Name]
	if !ok {
		return nil, errors.Wrap(ErrVolumeNotFound, r.Name)
	}
	return &dkvolume.GetResponse{Volume: v.describe()}, nil
}

// List is sorted by name.
func (d *Driver) List() (*dkvolume.ListResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vols := make([]*dkvolume.Volume, 0, len(d.volumes))
	for _, v := range d.volumes {
		vols = append(vols, v.describe())
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].Name < vols[j].Name })
	return &dkvolume.ListResponse{Volumes: vols}, nil
}

func (d *Driver) Capabilities() *dkvolume.CapabilitiesResponse {
	return &dkvolume.CapabilitiesResponse{Capabilities: dkvolume.Capability{Scope: "local"}}
}

// Mount starts syncing the volume on its first mount. Later mounts by other
// ids only take a reference.
func (d *Driver) Mount(r *dkvolume.MountRequest) (*dkvolume.MountResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.volumes[r.Name]
	if !ok {
		return nil, errors.Wrap(ErrVolumeNotFound, r.Name)
	}
	logrus.WithFields(logrus.Fields{"volume": r.Name, "id": r.ID}).Infof("mounting volume on %s", v.mountpoint)

	if v.syncer == nil {
		if err := os.MkdirAll(v.mountpoint, 0o755); err != nil {
			return nil, err
		}
		syncer := NewSyncer(v.mountpoint, d.store, d.syncInterval, d.mon, d.removedFrom(r.Name))
		// the syncer outlives the docker request that started it
		if err := syncer.Start(context.Background()); err != nil {
			return nil, errors.Wrapf(err, "sync %s", r.Name)
		}
		v.syncer = syncer
	}
	v.ids[r.ID] = struct{}{}
	d.mon.SetMounted(d.mountedLocked())
	return &dkvolume.MountResponse{Mountpoint: v.mountpoint}, nil
}

func (d *Driver) Unmount(r *dkvolume.UnmountRequest) error {
	d.mu.Lock()
	v, ok := d.volumes[r.Name]
	if !ok {
		d.mu.Unlock()
		return errors.Wrap(ErrVolumeNotFound, r.Name)
	}
	logrus.WithFields(logrus.Fields{"volume": r.Name, "id": r.ID}).Info("unmounting volume")
	delete(v.ids, r.ID)
	var syncer *Syncer
	if len(v.ids) == 0 {
		syncer, v.syncer = v.syncer, nil
	}
	d.mon.SetMounted(d.mountedLocked())
	d.mu.Unlock()

	// Stop waits for the loops, which may call back into the driver.
	if syncer != nil {
		syncer.Stop()
	}
	return nil
}

// Close stops every syncer.
func (d *Driver) Close() {
	d.mu.Lock()
	var syncers []*Syncer
	for _, v := range d.volumes {
		if v.syncer != nil {
			syncers = append(syncers, v.syncer)
			v.syncer = nil
		}
		v.ids = map[string]struct{}{}
	}
	d.mon.SetMounted(0)
	d.mu.Unlock()

	for _, s := range syncers {
		s.Stop()
	}
}

// removedFrom returns the callback that drops a deleted key's file from
// every mounted volume but the one it was removed from.
func (d *Driver) removedFrom(origin string) func(key string) {
	return func(key string) {
		d.mu.Lock()
		var others []*Syncer
		for name, v := range d.volumes {
			if name != origin && v.syncer != nil {
				others = append(others, v.syncer)
			}
		}
		d.mu.Unlock()

		for _, s := range others {
			path, err := s.Path(key)
			if err != nil {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				logrus.WithField("file", path).Warnf("remove: %v", err)
			}
		}
	}
}

func (d *Driver) mountedLocked() int {
	n := 0
	for _, v := range d.volumes {
		if v.syncer != nil {
			n++
		}
	}
	return n
}

// describe is called with d.mu held. Status carries the mount count and the
// options the volume was created with.
func (v *volume) describe() *dkvolume.Volume {
	status := map[string]interface{}{"mounts": len(v.ids)}
	if len(v.options) > 0 {
		opts := make(map[string]string, len(v.options))
		for k, val := range v.options {
			opts[k] = val
		}
		status["options"] = opts
	}
	return &dkvolume.Volume{
		Name:       v.name,
		Mountpoint: v.mountpoint,
		CreatedAt:  v.createdAt.Format(time.RFC3339),
		Status:     status,
	}
}
