// Package internal holds token material helpers shared by the engine and its
// stores: identifier generation, refresh-token packing, and one-way hashing.
// Nothing here performs I/O beyond reading the injected random source.
package internal
