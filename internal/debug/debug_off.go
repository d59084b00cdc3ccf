//go:build !debug

// Package debug provides invariant checks that compile to no-ops unless the
// module is built with `-tags debug`.
package debug

func ON() bool { return false }

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
func AssertFunc(_ func() bool, _ ...any) {}
