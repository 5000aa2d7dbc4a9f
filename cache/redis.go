// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/gomodule/redigo/redis"
)

// keyspace prefix for all entries written by a Redis backend.
const redisPrefix = "imgrserve:"

// Redis is a Backend on a Redis server.  Keys are hex-encoded under a
// shared prefix.  Capacity is advisory: eviction is left to the server's
// own maxmemory policy, so Cap is reported for introspection only.
type Redis struct {
	pool     *redis.Pool
	capacity int
}

// NewRedis connects to the Redis server at rawurl
// (redis://[:password@]host:port[/db]).
func NewRedis(rawurl, password string, capacity int) (*Redis, error) {
	pool := &redis.Pool{
		MaxIdle: 3,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(rawurl, redis.DialPassword(password))
		},
	}
	// Fail fast on an unreachable server.
	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return &Redis{pool: pool, capacity: capacity}, nil
}

func redisKey(key string) string {
	return redisPrefix + hex.EncodeToString([]byte(key))
}

func (c *Redis) Get(key string) ([]byte, bool) {
	conn := c.pool.Get()
	defer conn.Close()
	v, err := redis.Bytes(conn.Do("GET", redisKey(key)))
	if err != nil {
		if err != redis.ErrNil {
			glog.Errorf("redis cache: error reading %q: %v", key, err)
		}
		return nil, false
	}
	return v, true
}

func (c *Redis) Put(key string, value []byte) error {
	conn := c.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("SET", redisKey(key), value); err != nil {
		return fmt.Errorf("%w: redis set: %v", ErrStorage, err)
	}
	return nil
}

func (c *Redis) Remove(key string) error {
	conn := c.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("DEL", redisKey(key)); err != nil {
		return fmt.Errorf("%w: redis del: %v", ErrStorage, err)
	}
	return nil
}

func (c *Redis) Keys() []string {
	conn := c.pool.Get()
	defer conn.Close()

	var keys []string
	cursor := 0
	for {
		values, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", redisPrefix+"*", "COUNT", 100))
		if err != nil || len(values) != 2 {
			glog.Errorf("redis cache: error scanning keys: %v", err)
			return keys
		}
		cursor, err = redis.Int(values[0], nil)
		if err != nil {
			glog.Errorf("redis cache: error scanning keys: %v", err)
			return keys
		}
		batch, err := redis.Strings(values[1], nil)
		if err != nil {
			glog.Errorf("redis cache: error scanning keys: %v", err)
			return keys
		}
		for _, k := range batch {
			decoded, err := hex.DecodeString(strings.TrimPrefix(k, redisPrefix))
			if err != nil {
				continue
			}
			keys = append(keys, string(decoded))
		}
		if cursor == 0 {
			return keys
		}
	}
}

func (c *Redis) Len() int {
	return len(c.Keys())
}

func (c *Redis) Cap() int {
	return c.capacity
}
