// Package practice glues the scheduling engine to the store: it stages
// tentative ratings, commits or discards them, and rebuilds memory
// state from history.
package practice
