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

package main

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/config"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/monitor"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/plugin"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/store"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/trigger"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/verify"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/volume"
)

var redisFlags = []cli.Flag{
	cli.StringFlag{Name: "host", Usage: "redis host (default: localhost)"},
	cli.IntFlag{Name: "port", Usage: "redis port (default: 6379)"},
	cli.IntFlag{Name: "db", Usage: "redis database index (default: 0)"},
	cli.StringFlag{Name: "passwd", Usage: "redis password"},
}

var redisFlagKeys = map[string]string{
	"host":   "redis.host",
	"port":   "redis.port",
	"db":     "redis.db",
	"passwd": "redis.password",
}

func withRedisKeys(m map[string]string) map[string]string {
	for k, v := range redisFlagKeys {
		m[k] = v
	}
	return m
}

func verifyCommand() cli.Command {
	return cli.Command{
		Name:  "verify",
		Usage: "flush redis, run the trigger script and check the key it should set",
		Flags: append([]cli.Flag{
			cli.StringFlag{Name: "key", Usage: "key the trigger writes (default: key1)"},
			cli.StringFlag{Name: "expected", Usage: "value the key must hold (default: value1)"},
			cli.StringFlag{Name: "script", Usage: "trigger command (default: ./test.sh)"},
			cli.StringFlag{Name: "dir", Usage: "working directory of the trigger"},
			cli.StringFlag{Name: "timeout", Usage: "how long to wait for the key (default: 4s)"},
			cli.StringFlag{Name: "wait-mode", Usage: "poll or fixed (default: poll)"},
			cli.BoolFlag{Name: "strict", Usage: "fail when the trigger exits non-zero"},
		}, redisFlags...),
		Action: runVerify,
	}
}

func runVerify(c *cli.Context) error {
	conf, err := commandConfig(c, withRedisKeys(map[string]string{
		"key":       "verify.key",
		"expected":  "verify.expected",
		"script":    "verify.trigger.command",
		"dir":       "verify.trigger.dir",
		"timeout":   "verify.wait.timeout",
		"wait-mode": "verify.wait.mode",
		"strict":    "verify.trigger.fail_on_error",
	}))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	mon := monitor.New()
	if srv := monitor.RunPrometheusExporter(mon, conf.PrometheusExporter); srv != nil {
		defer srv.Close()
	}

	s := store.New(conf.Redis)
	defer s.Close()

	opts := verify.OptionsFromConfig(conf)
	opts.Monitor = mon
	logrus.WithFields(logrus.Fields{
		"redis":   conf.Redis.String(),
		"command": opts.Command.Path,
		"key":     opts.Key,
	}).Info("verifying")

	report, err := verify.New(s, trigger.NewExecRunner(), opts).Run(ctx)
	entry := logrus.WithFields(logrus.Fields{
		"state":     report.State,
		"exit_code": report.ExitCode,
		"found":     report.Found,
		"got":       report.Got,
	})
	for _, st := range report.Steps {
		entry = entry.WithField(st.Step, st.Duration.Round(time.Millisecond))
	}
	if err != nil {
		entry.Error("verification failed")
		return cli.NewExitError(err.Error(), 1)
	}
	entry.Info("verification passed")
	return nil
}

func flushCommand() cli.Command {
	return cli.Command{
		Name:  "flush",
		Usage: "remove every key of the configured redis database",
		Flags: redisFlags,
		Action: func(c *cli.Context) error {
			conf, err := commandConfig(c, withRedisKeys(map[string]string{}))
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			s := store.New(conf.Redis)
			defer s.Close()
			if err := s.Flush(ctx); err != nil {
				return err
			}
			logrus.Infof("flushed %s", conf.Redis)
			return nil
		},
	}
}

func serveCommand() cli.Command {
	return cli.Command{
		Name:      "serve",
		Usage:     "run the docker volume plugin",
		ArgsUsage: "[redis host:port]",
		Flags: append([]cli.Flag{
			cli.StringFlag{Name: "root", Usage: "docker volumes root directory"},
			cli.StringFlag{Name: "socket", Usage: "plugin socket path"},
			cli.StringFlag{Name: "sync-interval", Usage: "how often redis keys are written back to volumes"},
		}, redisFlags...),
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	if c.NArg() > 1 {
		return cli.NewExitError("at most one redis address", 1)
	}
	if c.NArg() == 1 {
		host, port, err := net.SplitHostPort(c.Args().First())
		if err != nil {
			return errors.Wrap(err, "redis address")
		}
		v, err := appViper(c)
		if err != nil {
			return err
		}
		v.Set("redis.host", host)
		v.Set("redis.port", port)
	}
	conf, err := commandConfig(c, withRedisKeys(map[string]string{
		"root":          "volume.root",
		"socket":        "volume.socket",
		"sync-interval": "volume.sync_interval",
	}))
	if err != nil {
		return err
	}
	return serve(conf)
}

func serve(conf *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	mon := monitor.New()
	if srv := monitor.RunPrometheusExporter(mon, conf.PrometheusExporter); srv != nil {
		defer srv.Close()
	}

	s := store.New(conf.Redis)
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		logrus.Warnf("redis not reachable yet: %v", err)
	}

	d, err := volume.NewDriverFromConfig(conf, s, mon)
	if err != nil {
		return err
	}
	defer d.Close()

	logrus.WithFields(logrus.Fields{
		"redis": conf.Redis.String(),
		"root":  conf.Volume.Root,
	}).Info("starting redis volume plugin")
	return plugin.NewServer(d, 0).ServeUnix(ctx, conf.Volume.Socket)
}
