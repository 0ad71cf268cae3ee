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

type Config struct {
	Redis              RedisS              `mapstructure:"redis"`
	Verify             VerifyS             `mapstructure:"verify"`
	Volume             VolumeS             `mapstructure:"volume"`
	Log                LogS                `mapstructure:"log"`
	PrometheusExporter PrometheusExporterS `mapstructure:"prometheus_exporter"`
}

// RedisS is the connection to the store under test.
type RedisS struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	DB       int    `mapstructure:"db" json:"db"`
	Password string `mapstructure:"password" json:"-"`
	// Unit: second
	DialTimeout int `mapstructure:"dial_timeout" json:"dial_timeout"`
	// Unit: second
	ReadTimeout int `mapstructure:"read_timeout" json:"read_timeout"`
	// Unit: second
	WriteTimeout int `mapstructure:"write_timeout" json:"write_timeout"`
	PoolSize     int `mapstructure:"pool_size" json:"pool_size"`
}

type VerifyS struct {
	Key      string   `mapstructure:"key" json:"key"`
	Expected string   `mapstructure:"expected" json:"expected"`
	Trigger  TriggerS `mapstructure:"trigger" json:"trigger"`
	Wait     WaitS    `mapstructure:"wait" json:"wait"`
}

type TriggerS struct {
	Command string            `mapstructure:"command" json:"command"`
	Args    []string          `mapstructure:"args" json:"args"`
	Dir     string            `mapstructure:"dir" json:"dir"`
	Env     map[string]string `mapstructure:"env" json:"env"`
	// Discard drops the script's stdout and stderr instead of logging them at debug level
	Discard bool `mapstructure:"discard" json:"discard"`
	// FailOnError turns a non-zero exit code into a failed run; otherwise it is only logged
	FailOnError bool `mapstructure:"fail_on_error" json:"fail_on_error"`
}

// WaitS bounds how long the verifier polls for the key after the trigger ran.
type WaitS struct {
	// poll, fixed
	Mode            string  `mapstructure:"mode" json:"mode"`
	InitialInterval string  `mapstructure:"initial_interval" json:"initial_interval"`
	MaxInterval     string  `mapstructure:"max_interval" json:"max_interval"`
	Multiplier      float64 `mapstructure:"multiplier" json:"multiplier"`
	Timeout         string  `mapstructure:"timeout" json:"timeout"`
}

type VolumeS struct {
	Root   string `mapstructure:"root" json:"root"`
	Socket string `mapstructure:"socket" json:"socket"`
	// Interval of writing redis keys back into mounted volumes
	SyncInterval string `mapstructure:"sync_interval" json:"sync_interval"`
}

type LogS struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PrometheusExporterS struct {
	Enable  bool   `mapstructure:"enable"`
	Address string `mapstructure:"address"`
}
