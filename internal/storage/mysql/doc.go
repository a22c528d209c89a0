// Package mysql holds the shared MySQL plumbing used by the durable session
// store and the turn history repository: connection pooling, embedded schema
// migrations and the error classification helpers both stores rely on.
package mysql
