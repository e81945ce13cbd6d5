// Package storage defines the repository ports consumed by the management
// services, plus an in-memory implementation used for tests and dev mode.
// The postgres subpackage provides the production backend with an optional
// redis/LRU cache layer in front of the API repository.
package storage
