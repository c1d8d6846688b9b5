// Package quic implements the local channel over loopback QUIC. quic-go's
// keep-alive and idle timeout detect a vanished peer, so connections from this
// package implement protocol.KeepAlive.
package quic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/tokamak/kantan/internal/core/protocol"
)

// NextProto is the ALPN identifier both sides must agree on.
const NextProto = "kantan-document-tracker"

// buildQUICConfig builds a quic.Config from protocol configuration
func buildQUICConfig(config protocol.QUICConfig) *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:       config.KeepAlivePeriod,
		MaxIdleTimeout:        config.MaxIdleTimeout,
		HandshakeIdleTimeout:  config.HandshakeIdleTimeout,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// serverTLSConfig creates an ephemeral self-signed certificate. QUIC cannot run
// without TLS; the certificate carries no identity and clients do not verify it.
func serverTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: protocol.DefaultEndpoint},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13, // QUIC requires TLS 1.3
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // ephemeral loopback certificate
		NextProtos:         []string{NextProto},
		MinVersion:         tls.VersionTLS13,
	}
}
