// Package async provides the asynchronous I/O adapter that sits at the bottom
// of the peer transport stack.
//
// The Adapter wraps a possibly blocking transport.Link with two bounded
// queues and a single background worker, so the simulation goroutine never
// waits on network I/O:
//
//	adapter := async.New(link, nil)
//	defer adapter.Close()
//
//	// Never blocks: enqueues, or fails with transport.ErrQueueFull.
//	err := adapter.SendTo(peerUser, datagram)
//
//	// Never blocks: n == 0 means nothing is pending.
//	n, from, err := adapter.ReceiveFrom(buf)
//
// # Worker Loop
//
// Each iteration the worker moves one pending inbound datagram onto the
// receive queue if the link has one; otherwise it performs one blocking send
// from the transmit queue; otherwise it waits on a wake signal for at most
// Options.PollInterval so inbound polling still happens while idle.
//
// # Degradation
//
// If the worker does not report ready within Options.StartTimeout, or
// Options.Synchronous is set, the adapter runs synchronously: the public
// contract is unchanged but sends and receives happen on the caller.
//
// # Unreachable Destinations
//
// A destination whose last send failed is rejected with
// transport.ErrPeerUnreachable for Options.UnreachableBackoff. Layers above
// use that refusal to fall back to relaying.
//
// # Shutdown
//
// Close raises the stop flag, wakes the worker and joins it before closing
// the wrapped link. It is the only blocking method.
package async
