// Package memory provides the in-memory core.MemoryStore and the memory tools
// (memory_save, memory_recall) registered as startup tools on the server a
// Channel shares with its Branches.
//
// The store interface lives in core so other backends can be added without
// import cycles; only the wiring layer picks an implementation.
package memory
