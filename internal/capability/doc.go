// Package capability holds the immutable registry of domain operations and
// the dispatcher that validates parameters and invokes collaborator services.
package capability
