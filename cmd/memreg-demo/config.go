/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/device"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/events"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/mrcache"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/notifier"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/remotekeys"
)

const (
	envZMQEndpoint     = "ZMQ_ENDPOINT"
	envPeer            = "MEMREG_PEER"
	envRedisAddr       = "REDIS_ADDR"
	envPoolConcurrency = "POOL_CONCURRENCY"

	defaultZMQEndpoint = "tcp://localhost:5558"
	defaultPeer        = "memreg-demo"
	defaultBufferSize  = "64KiB"
	defaultIterations  = 3
	defaultWorkers     = 2
)

type notifierConfig struct {
	MergeRegions  bool `yaml:"mergeRegions"`
	FaultPoolSize int  `yaml:"faultPoolSize"`
}

type cacheConfig struct {
	MaxCount        int    `yaml:"maxCount"`
	MaxSize         string `yaml:"maxSize"`
	Monitor         bool   `yaml:"monitor"`
	RequireNotifier bool   `yaml:"requireNotifier"`
	MaxRetries      int    `yaml:"maxRetries"`
	SupportedAccess string `yaml:"supportedAccess"`
}

type eventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Peer    string `yaml:"peer"`
	// Bind is the address the subscriber binds to.
	Bind string `yaml:"bind"`
	// Endpoint is the address the publisher connects to.
	Endpoint    string `yaml:"endpoint"`
	Concurrency int    `yaml:"concurrency"`
}

type workloadConfig struct {
	BufferSize string `yaml:"bufferSize"`
	Iterations int    `yaml:"iterations"`
	Workers    int    `yaml:"workers"`
	Access     string `yaml:"access"`
}

// demoConfig is the file format of the demo configuration.
type demoConfig struct {
	Notifier               notifierConfig `yaml:"notifier"`
	Cache                  cacheConfig    `yaml:"cache"`
	Events                 eventsConfig   `yaml:"events"`
	RedisAddress           string         `yaml:"redisAddress"`
	Workload               workloadConfig `yaml:"workload"`
	MetricsLoggingInterval time.Duration  `yaml:"metricsLoggingInterval"`
}

func defaultDemoConfig() *demoConfig {
	return &demoConfig{
		Notifier: notifierConfig{
			MergeRegions:  notifier.DefaultConfig().MergeRegions,
			FaultPoolSize: notifier.DefaultConfig().FaultPoolSize,
		},
		Cache: cacheConfig{
			MaxCount:        mrcache.DefaultConfig().MaxCount,
			Monitor:         true,
			MaxRetries:      mrcache.DefaultConfig().MaxRetries,
			SupportedAccess: device.SupportedAccess.String(),
		},
		Events: eventsConfig{
			Peer:        defaultPeer,
			Bind:        events.DefaultConfig().ZMQEndpoint,
			Endpoint:    defaultZMQEndpoint,
			Concurrency: events.DefaultConfig().Concurrency,
		},
		Workload: workloadConfig{
			BufferSize: defaultBufferSize,
			Iterations: defaultIterations,
			Workers:    defaultWorkers,
			Access:     device.AccessRemoteRead.String(),
		},
		MetricsLoggingInterval: 30 * time.Second,
	}
}

// loadConfig layers the defaults, the config file, the environment and the
// command line, in that order.
func loadConfig(args []string) (*demoConfig, error) {
	cfg := defaultDemoConfig()

	flagSet := flag.NewFlagSet("memreg-demo", flag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "Path to a YAML configuration file")
	iterations := flagSet.IntP("iterations", "n", 0, "Number of map/register/unmap rounds")
	workers := flagSet.IntP("workers", "w", 0, "Number of concurrent workload workers")
	peer := flagSet.String("peer", "", "Peer name announced with published registrations")
	endpoint := flagSet.String("endpoint", "", "ZMQ endpoint the events subscriber binds to")
	redisAddr := flagSet.String("redis-addr", "", "Redis address for the remote key index")
	publish := flagSet.Bool("publish", false, "Publish registrations over ZMQ")
	within := flagSet.Bool("within", false, "Match watches by containment instead of merging overlaps")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", *configPath, err)
		}
	}

	if v := os.Getenv(envZMQEndpoint); v != "" {
		cfg.Events.Endpoint = v
	}
	if v := os.Getenv(envPeer); v != "" {
		cfg.Events.Peer = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.RedisAddress = v
	}
	if v := os.Getenv(envPoolConcurrency); v != "" {
		if c, err := strconv.Atoi(v); err == nil && c > 0 {
			cfg.Events.Concurrency = c
		}
	}

	if *iterations > 0 {
		cfg.Workload.Iterations = *iterations
	}
	if *workers > 0 {
		cfg.Workload.Workers = *workers
	}
	if *peer != "" {
		cfg.Events.Peer = *peer
	}
	if *endpoint != "" {
		cfg.Events.Endpoint = *endpoint
	}
	if *redisAddr != "" {
		cfg.RedisAddress = *redisAddr
	}
	if flagSet.Changed("publish") {
		cfg.Events.Enabled = *publish
	}
	if flagSet.Changed("within") {
		cfg.Notifier.MergeRegions = !*within
	}

	return cfg, nil
}

func (c *demoConfig) notifierConfig() *notifier.Config {
	cfg := notifier.DefaultConfig()
	cfg.MergeRegions = c.Notifier.MergeRegions
	if c.Notifier.FaultPoolSize > 0 {
		cfg.FaultPoolSize = c.Notifier.FaultPoolSize
	}
	cfg.EnableMetrics = true
	cfg.MetricsLoggingInterval = c.MetricsLoggingInterval
	return cfg
}

func (c *demoConfig) cacheConfig() (*mrcache.Config, error) {
	supported, err := device.ParseAccess(c.Cache.SupportedAccess)
	if err != nil {
		return nil, err
	}

	cfg := mrcache.DefaultConfig()
	cfg.MaxCount = c.Cache.MaxCount
	cfg.MaxSize = c.Cache.MaxSize
	cfg.Monitor = c.Cache.Monitor
	cfg.RequireNotifier = c.Cache.RequireNotifier
	cfg.MaxRetries = c.Cache.MaxRetries
	cfg.SupportedAccess = supported
	cfg.EnableMetrics = true
	return cfg, nil
}

func (c *demoConfig) eventsConfig() *events.Config {
	cfg := events.DefaultConfig()
	cfg.ZMQEndpoint = c.Events.Bind
	if c.Events.Concurrency > 0 {
		cfg.Concurrency = c.Events.Concurrency
	}
	return cfg
}

func (c *demoConfig) publisherConfig() *events.PublisherConfig {
	return &events.PublisherConfig{
		Endpoint: c.Events.Endpoint,
		Peer:     c.Events.Peer,
	}
}

func (c *demoConfig) indexConfig() *remotekeys.IndexConfig {
	cfg := remotekeys.DefaultIndexConfig()
	if c.RedisAddress != "" {
		cfg.InMemoryConfig = nil
		cfg.RedisConfig = &remotekeys.RedisIndexConfig{Address: c.RedisAddress}
	}
	return cfg
}

func (c *demoConfig) bufferSize() (int, error) {
	size, err := humanize.ParseBytes(c.Workload.BufferSize)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer size %q: %w", c.Workload.BufferSize, err)
	}
	if size == 0 || size > 1<<30 {
		return 0, fmt.Errorf("buffer size %q out of range", c.Workload.BufferSize)
	}
	return int(size), nil
}
