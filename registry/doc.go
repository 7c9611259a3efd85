// Package registry tracks versioned node and workflow definitions and answers
// which of them are runnable.
//
// A Registry holds every version of every id of one instance kind. Resolution
// accepts an exact version, "latest" (the pinned or highest runnable version)
// or a semver constraint such as "^1.2". Reads of one id never block reads of
// any id, and writers only lock the id they touch. Every mutation wakes
// WaitResolve callers.
package registry
