// Package backend holds the live inventory of inference server replicas.
//
// The Registry maps stable backend ids to descriptors plus observed
// runtime state: health, in-flight counts, reported GPU load, and rolling
// request latencies. Health transitions follow a consecutive-failure rule
// (three failures down, one success up). Registry changes fan out to
// subscribers over bounded channels with slow-consumer dropping.
package backend
