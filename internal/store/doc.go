// Package store provides the durable match store: Postgres in production,
// an in-memory implementation for development and tests.
package store
