// Package session defines the persisted orchestration state of a
// conversation and the TTL-bounded stores that hold it between turns.
//
// A Session is checked out exclusively for one turn through a Locker and
// written back through a Store before the turn's reply is returned.
package session
