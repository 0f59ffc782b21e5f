// Package transport implements the wire protocol for the relay fabric.
//
// Every packet on the wire is a length-prefixed JSON object: a 4-byte
// little-endian length followed by exactly that many bytes of UTF-8 JSON.
// Each packet carries a "type" discriminant that is decoded first to pick
// the concrete schema.
//
// Example:
//
//	w := transport.NewFrameWriter(conn)
//	err := w.WritePacket(&transport.Register{
//	    ClientID:  "a1",
//	    Username:  "alice",
//	    PublicKey: pubPEM,
//	})
//
//	r := transport.NewFrameReader(conn)
//	pkt, err := r.ReadPacket()
package transport
