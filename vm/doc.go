// Package vm implements the vesper runtime core.
//
// This package contains:
//   - Generation-checked arena storage and tri-color markers
//   - The incremental mark/sweep collector
//   - Cuckoo-hashed slot tables
//   - Prototype objects with tag-based kind dispatch
//   - Cooperative coroutines and stack-discipline retain pools
package vm
