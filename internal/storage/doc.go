// Package storage persists the duty roster, credit rules, shift ranges,
// weekly overrides and leave records behind the Store interface.
//
// Two drivers exist: "sqlite" for production and "memory" for dev/tests.
// Both enforce the same invariants (unique rule per name+date, unique
// override per year+week, at most one active guard).
package storage
