// Package cluster supplies the proxy's backend endpoint list.
//
// The proxy never talks to the scheduler or tunnels itself. Endpoints come
// from three sources: expansion of the configured models (base_port +
// replica index), command-line backend specs for the standalone proxy,
// and an optional endpoints file written by the cluster collaborator and
// watched for reconfiguration.
package cluster
