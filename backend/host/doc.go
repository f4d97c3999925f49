// Package host holds the pieces shared by the software reference devices:
// an in-order executor standing in for a hardware queue, timeline payloads,
// texel copy helpers and host kernels standing in for shader entry points.
package host
