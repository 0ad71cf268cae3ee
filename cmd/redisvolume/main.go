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
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/config"
)

// BuildDate: Binary file compilation time
// BuildVersion: Binary compiled GIT version
var (
	BuildDate    string
	BuildVersion string
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		logrus.Errorf("failed to run application: %v", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "redisvolume"
	app.Usage = "redis backed docker volumes and their end-to-end check"
	app.Version = BuildVersion
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "config file (yaml), optional",
		},
		cli.StringFlag{
			Name:  "env-file",
			Usage: "dotenv file loaded before the environment is read",
			Value: ".env",
		},
		cli.StringFlag{
			Name:  "log,l",
			Usage: "log level: debug,info,warn,error (overrides log.level)",
		},
	}
	app.Before = initConfig
	app.Commands = []cli.Command{
		verifyCommand(),
		flushCommand(),
		serveCommand(),
	}
	return app
}

// metaViper is the app.Metadata key of the run's viper: defaults, the
// config file and the environment. Commands layer their flags on top in
// commandConfig.
const metaViper = "viper"

func initConfig(c *cli.Context) error {
	if f := c.GlobalString("env-file"); f != "" {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	v := config.New()
	if f := c.GlobalString("config"); f != "" {
		v.SetConfigFile(f)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	if l := c.GlobalString("log"); l != "" {
		v.Set("log.level", l)
	}
	conf, err := config.Load(v)
	if err != nil {
		return err
	}
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata[metaViper] = v
	return initLog(conf.Log)
}

func appViper(c *cli.Context) (*viper.Viper, error) {
	v, ok := c.App.Metadata[metaViper].(*viper.Viper)
	if !ok {
		return nil, errors.New("config not initialized")
	}
	return v, nil
}

// commandConfig applies the command's flags (flag name -> config key) and
// loads the config the command runs with.
func commandConfig(c *cli.Context, flags map[string]string) (*config.Config, error) {
	v, err := appViper(c)
	if err != nil {
		return nil, err
	}
	for flag, key := range flags {
		if c.IsSet(flag) {
			v.Set(key, c.String(flag))
		}
	}
	return config.Load(v)
}

func initLog(c config.LogS) error {
	lv, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lv)
	if c.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// signalContext is cancelled on SIGINT, SIGTERM or SIGQUIT.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for {
			select {
			case sig := <-sigs:
				switch sig {
				case syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT:
					logrus.Infof("received %s, shutting down", sig)
					cancel()
					return
				case syscall.SIGHUP:
					logrus.Info("received SIGHUP, nothing to reload")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}
