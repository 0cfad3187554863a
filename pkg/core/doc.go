// Package core defines the shared language of the leapcompare system.
//
// This package contains:
//   - Domain entities (CompareRun, CompareResult, Usage)
//   - Status types and their terminal rules
//   - Service interfaces (CompareStore)
//   - Sentinel errors shared across layers
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
