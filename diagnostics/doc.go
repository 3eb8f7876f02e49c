// Package diagnostics provides transparent PeerTransport wrappers for
// observing traffic.
//
// Diagnose counts packets and bytes in each direction, computes throughput
// once per interval and exports both through prometheus:
//
//	metrics := diagnostics.NewMetrics(prometheus.DefaultRegisterer)
//	tr = diagnostics.NewDiagnose(tr, &diagnostics.DiagnoseOptions{
//	    Interval: time.Second,
//	    Metrics:  metrics,
//	})
//
// Recorder writes every send, every received datagram and every topology
// change to an io.Writer for offline replay. RecordReader decodes the
// stream; see Record for the layout.
//
// Neither wrapper alters what the inner layer returns.
package diagnostics
