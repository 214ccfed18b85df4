// Package jitapi holds plumbing shared by the compiler passes: scratch pools, bit sets and debug switches.
package jitapi

// These consts are used various places in the compiler implementations.
// Instead of defining them in each file, we define them here so that we can quickly iterate on
// debugging without spending "where do we have debug logging?" time.

// ----- Debug logging -----
// These consts must be disabled by default. Enable them only when debugging.

const (
	SSALoggingEnabled      = false
	RegAllocLoggingEnabled = false
)

// ----- Output prints -----
// These consts must be disabled by default. Enable them only when debugging.

const (
	PrintSSA                       = false
	PrintIntervals                 = false
	PrintMachineCodeHexPerFunction = false
)

// ----- Validations -----
// These consts must be enabled by default until we reach the point where we can disable them.

const (
	// SSAValidationEnabled runs the SSA verifier after every build.
	SSAValidationEnabled = true
	// RegAllocValidationEnabled checks that no two intervals sharing a register overlap.
	RegAllocValidationEnabled = true
)
