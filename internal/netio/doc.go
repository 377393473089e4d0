// Package netio provides the reference transport sender used to attach
// bonded links to the dispatcher (see RISTSender). The full RIST transport
// lives outside this module's scope; this package holds only what's needed
// to exercise the dispatcher and bitrate controller against real sockets.
package netio
