package transport

import (
	"bytes"
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// Credentials loads the client certificate used to authenticate against the
// gateway. The file may be a PEM bundle holding both the certificate and its
// private key, or a PKCS#12 (.p12) archive, in which case password is used
// to decrypt it. Failures wrap ErrAuth.
func Credentials(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: certificate at %s is not readable: %v",
			ErrAuth, path, err)
	}

	if bytes.Contains(data, []byte("-----BEGIN")) {
		cert, err := tls.X509KeyPair(data, data)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: invalid PEM certificate at %s: %v",
				ErrAuth, path, err)
		}
		return cert, nil
	}

	// Not PEM: treat as a PKCS#12 archive.
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: invalid PKCS#12 archive at %s: %v",
			ErrAuth, path, err)
	}

	var pemData []byte
	for _, block := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(block)...)
	}

	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: unusable key pair in %s: %v",
			ErrAuth, path, err)
	}
	return cert, nil
}
