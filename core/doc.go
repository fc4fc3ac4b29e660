// Package core holds the contracts shared by every layer of the client:
// configuration, request and response descriptors, the error taxonomy, and
// logging and metrics plumbing. Leaf packages depend on core; core depends on
// none of them.
package core
