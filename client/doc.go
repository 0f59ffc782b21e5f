// Package client implements the sending endpoint of the relay fabric: the
// connection loop, the reliable-delivery state machine with resend and
// timeout, the coalescing public-key lookup cache, idempotent ingestion of
// incoming envelopes, and durable conversation history.
//
// Example:
//
//	id, err := crypto.LoadOrCreateIdentity("identity.json", passphrase)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c, err := client.Dial(client.Config{Addr: "relay:7420", Username: "alice", DataDir: "."}, id)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.OnMessage(func(m client.Message) {
//	    fmt.Printf("%s: %s\n", m.FromUser, m.Text)
//	})
//	c.SendMessage(ctx, bobID, "Bob", "hello")
package client
