// Package signal maps portable fences, semaphores and events onto native
// synchronization.
//
// A [Mapper] owns one [Strategy] for its lifetime. [NativeStrategy] backs each
// primitive with a timeline fence of an explicit device. [EmulatedStrategy]
// ends every submission with a completion query and advances host counters
// when the query reports done.
//
// Signal values are assigned at dispatch, so a waiting submission can be
// created before the submission that will signal it. The queue holds a waiting
// submission until [Mapper.Ready] says its waits are dispatchable.
package signal
