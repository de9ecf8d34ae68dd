// Package registry implements the participant Registry component.
//
// The Registry:
//   - Holds every registered participant keyed by unique name
//   - Assigns 1-based registration sequence numbers, restarting only after Reset
//   - Hands out copies, so readers never observe a partially-updated Participant
//   - Guards the whole table with a single lock
package registry
