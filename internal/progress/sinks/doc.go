// Package sinks provides the built-in progress sinks: structured logging and
// an in-memory snapshot served by the ops API.
package sinks
