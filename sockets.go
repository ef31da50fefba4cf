// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rudp

import "sync/atomic"

// Some datagram stacks need process-wide setup before the first socket and
// teardown after the last one. The Go runtime does not, but the acquisition
// is still modelled here as a reference count of live sockets so that a
// platform needing real setup only has to fill in the two hooks below.

var liveSockets int32

func acquireSocketRuntime() {
	if atomic.AddInt32(&liveSockets, 1) == 1 {
		socketRuntimeStartup()
	}
}

func releaseSocketRuntime() {
	if atomic.AddInt32(&liveSockets, -1) == 0 {
		socketRuntimeShutdown()
	}
}

func socketRuntimeStartup()  {}
func socketRuntimeShutdown() {}

// LiveSockets reports how many sockets are currently open in this process.
func LiveSockets() int { return int(atomic.LoadInt32(&liveSockets)) }
