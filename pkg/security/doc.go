/*
Package security builds the TLS configuration used by the node manager on
both sides of its connections.

A TLS bundle is a CA file, a certificate, a private key, an optional CRL and
a password file. Private keys may be stored as legacy encrypted PEM; the key
password is itself encrypted and is turned into plaintext by a Decrypter,
normally HelperDecrypter, which runs the installation's decryption helper.
The plaintext password and decrypted key material are zeroed once the key
pair is built.

# Client side

Engines and the controller are addressed by IP, so Bundle.ClientConfig
verifies the peer chain against the bundle's CA without host name checks and
then rejects any certificate on the chain whose serial is in the CRL.

# Server side

Bundle.ServerConfig requires and verifies client certificates, applies the
same CRL check, and restricts TLS 1.2 to ECDHE suites with AEAD ciphers.

# Usage

	bundle, err := security.LoadBundle(ctx, cfg.TLS.Client, security.HelperDecrypter{Path: cfg.TLS.DecryptHelper})
	if err != nil {
		return err
	}
	httpClient := &http.Client{Transport: &http.Transport{TLSClientConfig: bundle.ClientConfig()}}
*/
package security
