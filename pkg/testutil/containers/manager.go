//go:build integration

// Package containers starts shared testcontainers for integration suites.
// Containers are started lazily, once per test binary, and reaped by Ryuk.
package containers

import (
	"sync"
	"testing"
)

// Manager hands out singleton containers to integration suites.
type Manager struct {
	postgresOnce sync.Once
	postgres     *PostgresContainer

	redisOnce sync.Once
	redis     *RedisContainer

	redpandaOnce sync.Once
	redpanda     *RedpandaContainer
}

var (
	manager     *Manager
	managerOnce sync.Once
)

// GetManager returns the process-wide manager.
func GetManager() *Manager {
	managerOnce.Do(func() {
		manager = &Manager{}
	})
	return manager
}

func (m *Manager) GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	m.postgresOnce.Do(func() {
		m.postgres = NewPostgresContainer(t)
	})
	if m.postgres == nil {
		t.Fatal("postgres container failed to start earlier in this run")
	}
	return m.postgres
}

func (m *Manager) GetRedis(t *testing.T) *RedisContainer {
	t.Helper()
	m.redisOnce.Do(func() {
		m.redis = NewRedisContainer(t)
	})
	if m.redis == nil {
		t.Fatal("redis container failed to start earlier in this run")
	}
	return m.redis
}

func (m *Manager) GetRedpanda(t *testing.T) *RedpandaContainer {
	t.Helper()
	m.redpandaOnce.Do(func() {
		m.redpanda = NewRedpandaContainer(t)
	})
	if m.redpanda == nil {
		t.Fatal("redpanda container failed to start earlier in this run")
	}
	return m.redpanda
}

// GetPostgres is shorthand for GetManager().GetPostgres(t).
func GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	return GetManager().GetPostgres(t)
}

// GetRedis is shorthand for GetManager().GetRedis(t).
func GetRedis(t *testing.T) *RedisContainer {
	t.Helper()
	return GetManager().GetRedis(t)
}
