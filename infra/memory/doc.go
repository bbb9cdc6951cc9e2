// Package memory provides the low-level primitives for order storage
// and safe reclamation. It includes the handle-addressed Arena that owns
// every Order, the SPSC RetireRing, the FramePool for log encode
// buffers, and the global epoch tracking used to decide when a retired
// slot may be reused.
//
// The memory package is dependency-free and forms the foundation
// for concurrent object reuse and RCU-style epoch advancement.
package memory
