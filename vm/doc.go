// Package vm implements the karst value model and VM-facing artifacts.
//
// This package contains:
//   - Tagged value representation with structural equality and a total order
//   - Symbol interning (per-context, pointer-equality identifiers)
//   - Immutable tuples and structs, mutable arrays, tables, and buffers
//   - The 32-bit instruction word format and disassembler
//   - The FuncDef artifact produced by the compiler
//   - Environment tables and the macro call interface
package vm
