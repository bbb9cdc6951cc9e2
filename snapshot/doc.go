// Package snapshot persists the resting orders of the book so recovery
// only has to replay the command log written after it. Traversal runs
// inside a reader epoch, so slots retired while a snapshot is being taken
// are not reused under it.
package snapshot
