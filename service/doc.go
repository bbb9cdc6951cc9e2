// Package service is the single write entry point into the book. It ties
// the price levels to the command log, the audit outbox, reclamation and
// metrics, and is independent of any transport.
package service
