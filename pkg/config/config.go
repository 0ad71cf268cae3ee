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

package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/IceFireDB/IceFireDB-RedisVolume/utils"
)

const (
	WaitModePoll  = "poll"
	WaitModeFixed = "fixed"

	EnvPrefix = "REDISVOLUME"
)

// SetDefaults registers the defaults every config file is merged onto.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.dial_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("verify.key", "key1")
	v.SetDefault("verify.expected", "value1")
	v.SetDefault("verify.trigger.command", "./test.sh")
	v.SetDefault("verify.trigger.dir", "")
	v.SetDefault("verify.trigger.discard", true)
	v.SetDefault("verify.trigger.fail_on_error", false)
	v.SetDefault("verify.wait.mode", WaitModePoll)
	v.SetDefault("verify.wait.initial_interval", "100ms")
	v.SetDefault("verify.wait.max_interval", "1s")
	v.SetDefault("verify.wait.multiplier", 2.0)
	v.SetDefault("verify.wait.timeout", "4s")

	v.SetDefault("volume.root", "/var/lib/docker/volumes/_redis")
	v.SetDefault("volume.socket", "/run/docker/plugins/redis.sock")
	v.SetDefault("volume.sync_interval", "1s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("prometheus_exporter.enable", false)
	v.SetDefault("prometheus_exporter.address", ":19090")
}

// New returns a viper instance with defaults and environment overrides
// (REDISVOLUME_REDIS_HOST and so on) wired up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load maps the viper content to a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default is the configuration with nothing but defaults applied.
func Default() *Config {
	c, err := Load(New())
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return errors.New("redis.host is empty")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return errors.Errorf("invalid redis.port %d", c.Redis.Port)
	}
	if c.Redis.DB < 0 {
		return errors.Errorf("invalid redis.db %d", c.Redis.DB)
	}
	if c.Verify.Key == "" {
		return errors.New("verify.key is empty")
	}
	c.Verify.Wait.Mode = strings.ToLower(c.Verify.Wait.Mode)
	if !utils.InArray(c.Verify.Wait.Mode, []string{WaitModePoll, WaitModeFixed}) {
		return errors.Errorf("invalid verify.wait.mode %q", c.Verify.Wait.Mode)
	}
	for name, d := range map[string]string{
		"verify.wait.initial_interval": c.Verify.Wait.InitialInterval,
		"verify.wait.max_interval":     c.Verify.Wait.MaxInterval,
		"verify.wait.timeout":          c.Verify.Wait.Timeout,
		"volume.sync_interval":         c.Volume.SyncInterval,
	} {
		if _, err := ParseDuration(d); err != nil {
			return errors.Wrapf(err, "invalid %s", name)
		}
	}
	if c.Log.Format != "" && !utils.InArray(c.Log.Format, []string{"text", "json"}) {
		return errors.Errorf("invalid log.format %q", c.Log.Format)
	}
	return nil
}

// Addr is the host:port of the redis server.
func (r RedisS) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r RedisS) String() string {
	return fmt.Sprintf("redis://%s/%d", r.Addr(), r.DB)
}

// ParseDuration accepts Go duration strings and bare numbers of seconds.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		d = time.Duration(n * float64(time.Second))
	} else if d, err = cast.ToDurationE(s); err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %s", s)
	}
	return d, nil
}

// MustDuration is ParseDuration for values already checked by Validate.
func MustDuration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}
