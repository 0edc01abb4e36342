// Package engine drives one end-to-end "create a signed commit and advance a
// branch" operation against the remote platform. The run is a linear state
// machine; every failure is annotated with the step it occurred in so callers
// can tell "nothing was created" from "objects created but the ref was not
// moved" from "the ref update raced".
package engine
