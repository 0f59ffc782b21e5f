// Package crypto implements the end-to-end encryption envelope for the
// relay fabric: RSA identity keypairs, hybrid RSA+AES message sealing with
// per-recipient key wrapping, plaintext signing, and an encrypted on-disk
// identity keystore.
//
// Example:
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	env, err := crypto.Seal([]byte("hello"), kp.Private,
//	    map[string]*rsa.PublicKey{"bob": bobPub})
package crypto
