// Package postgres holds the storage plumbing shared by the permission
// engine and the group lifecycle: the primary/replica connection manager,
// versioned migrations, the Redis client constructor and, behind the
// integration build tag, a testcontainers-backed test database.
package postgres
