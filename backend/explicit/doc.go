// Package explicit provides a host-memory reference implementation of the
// explicit native model: placed resources in heaps, command buffers with
// pipeline barriers, timeline fences and one in-order queue.
//
// Importing the package registers it as [backend.NameExplicit]:
//
//	import _ "github.com/gogpu/gfxbridge/backend/explicit"
//
// A validation layer checks every executed access against the barriers
// recorded before it. [Device.Violations] lists missing barriers and wrong
// image layouts, which makes the device a test oracle for barrier tracking.
package explicit
