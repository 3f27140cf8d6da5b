package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ServerName is the DNS name agent server certificates are issued for, besides localhost.
const ServerName = "portrpc-agent"

// Certs contains the TLS client and server certs and keys for configuring mTLS on the client and server.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func serialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func buildCACert(subject pkix.Name, validFor time.Duration) (CACert, error) {
	serial, err := serialNumber()
	if err != nil {
		return CACert{}, err
	}
	caCert := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	return CACert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(caKey)}),
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil
}

func buildCert(ca CACert, subject pkix.Name, validFor time.Duration, usage x509.ExtKeyUsage) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	c := x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	if usage == x509.ExtKeyUsageServerAuth {
		c.DNSNames = []string{ServerName, "localhost"}
		c.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating key: %w", err)
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &certKey.PublicKey, ca.privKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}

	return Cert{
		X509Cert:     &c,
		CertDER:      certDER,
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}),
	}, nil
}

// GenerateCerts generates a throwaway CA with one server and one client certificate, valid for a week.
func GenerateCerts() (*Certs, error) {
	const validFor = 7 * 24 * time.Hour

	ca, err := buildCACert(pkix.Name{CommonName: "portrpc CA"}, validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := buildCert(ca, pkix.Name{CommonName: ServerName}, validFor, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := buildCert(ca, pkix.Name{CommonName: "portrpc-client"}, validFor, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{Server: server, Client: client, CA: ca}, nil
}

// Files written by WriteFiles.
const (
	CACertFile     = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

// WriteFiles writes every PEM except the CA key into dir.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := map[string][]byte{
		CACertFile:     c.CA.CertPEMBytes,
		ServerCertFile: c.Server.CertPEMBytes,
		ServerKeyFile:  c.Server.KeyPEMBytes,
		ClientCertFile: c.Client.CertPEMBytes,
		ClientKeyFile:  c.Client.KeyPEMBytes,
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// ReadPEMFiles reads a CA certificate with a certificate and its key.
func ReadPEMFiles(caFile, certFile, keyFile string) (caPEM, certPEM, keyPEM []byte, err error) {
	if caPEM, err = os.ReadFile(caFile); err != nil {
		return nil, nil, nil, fmt.Errorf("reading CA cert: %w", err)
	}
	if certPEM, err = os.ReadFile(certFile); err != nil {
		return nil, nil, nil, fmt.Errorf("reading cert: %w", err)
	}
	if keyPEM, err = os.ReadFile(keyFile); err != nil {
		return nil, nil, nil, fmt.Errorf("reading key: %w", err)
	}
	return caPEM, certPEM, keyPEM, nil
}
