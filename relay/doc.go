// Package relay implements the central message router: the connection
// registry, the durable offline store, room lifecycle and fan-out, and
// packet dispatch.
//
// The server never inspects message plaintext; envelopes pass through as
// opaque ciphertext. Its job is delivery: forward to live recipients,
// queue for offline ones, and shepherd acks and receipts back to senders.
//
// Example:
//
//	srv, err := relay.NewServer(relay.Config{Addr: ":7420", DataDir: "/var/lib/relayd"}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
package relay
