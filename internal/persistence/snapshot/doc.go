// Package snapshot persists chamber reference captures.
//
// A file is one zstd stream holding a JSON header line followed by a CBOR body
// (core deterministic encoding). Cells are stored sparsely, relative to the origin,
// as signed 32-bit coordinates. Files are replaced with a temp-file + rename sequence,
// so a reader always sees either the previous or the new reference in full.
package snapshot
