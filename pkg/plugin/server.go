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

// Package plugin serves a volume driver over the docker plugin protocol.
// Request decoding, the endpoints and the Err convention come from
// go-plugins-helpers; this package owns the socket and its lifetime.
package plugin

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/docker/go-connections/sockets"
	dkvolume "github.com/docker/go-plugins-helpers/volume"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/IceFireDB/IceFireDB-RedisVolume/utils"
)

type Server struct {
	handler *dkvolume.Handler
	gid     int
}

// NewServer serves d. The socket created by ServeUnix is owned by root and
// the group gid.
func NewServer(d dkvolume.Driver, gid int) *Server {
	return &Server{handler: dkvolume.NewHandler(d), gid: gid}
}

// ServeUnix listens on the socket until ctx is done. A stale socket file
// from an earlier run is replaced.
func (s *Server) ServeUnix(ctx context.Context, socket string) error {
	if err := os.MkdirAll(filepath.Dir(socket), 0o755); err != nil {
		return errors.Wrap(err, "create socket dir")
	}
	l, err := sockets.NewUnixSocket(socket, s.gid)
	if err != nil {
		return errors.Wrapf(err, "listen %s", socket)
	}
	defer os.Remove(socket)
	logrus.Infof("listening on %s", socket)
	return s.Serve(ctx, l)
}

// Serve takes ownership of l and closes it when ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	utils.GoWithRecover(func() {
		errCh <- s.handler.Serve(l)
	}, func(r interface{}) {
		errCh <- errors.Errorf("plugin server panic: %v", r)
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		l.Close()
		<-errCh
		return nil
	}
}
