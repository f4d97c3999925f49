// Package deferred provides a host-memory reference implementation of the
// deferred native model: dedicated resources, an immediate context that
// batches work until Flush, deferred contexts that record command lists, flat
// b/t/s/u register bindings and event queries.
//
// Importing the package registers two backends, [backend.NameDeferred] and
// [backend.NameDeferredImmediate]. The second has no deferred contexts, so
// command buffers on it must be replayed on the immediate context.
//
// Kernels see bindings as [host.Slot] values whose Space is the register
// class and Index the register. An output binding that is also bound as an
// input is forced off the input register and recorded in [Device.Violations].
package deferred
