// Package tlstest issues short-lived certificates for tcp relay lanes and
// the peers that dial them.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
)

const Organization = "tlvrelay"

// Authority is a throwaway CA rooted in a test temp dir.
type Authority struct {
	dir    string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	caFile string
	serial atomic.Int64
}

// Pair names the PEM files of one issued certificate.
type Pair struct {
	CertFile string
	KeyFile  string
}

func NewAuthority(t testing.TB) *Authority {
	t.Helper()
	a := &Authority{dir: t.TempDir()}
	a.serial.Store(1)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tlvrelay test ca", Organization: []string{Organization}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	if a.cert, err = x509.ParseCertificate(der); err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	a.key = key
	a.caFile = filepath.Join(a.dir, "ca.crt")
	if err := writePEM(a.caFile, "CERTIFICATE", der, 0o644); err != nil {
		t.Fatalf("write ca cert: %v", err)
	}
	return a
}

func (a *Authority) CAFile() string {
	return a.caFile
}

// Lane issues the serving certificate for a tcp lane of domain. hosts mixes
// DNS names and IP literals; none means localhost and 127.0.0.1.
func (a *Authority) Lane(t testing.TB, domain schema.Domain, hosts ...string) Pair {
	t.Helper()
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	template := a.template("tlvrelay-"+domain.String(), x509.ExtKeyUsageServerAuth)
	template.Subject.OrganizationalUnit = []string{domain.String()}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return a.issue(t, "lane-"+domain.String(), template)
}

// Peer issues a client certificate for clientID. The role lands in the
// subject OU so relay logs can tell producers from consumers.
func (a *Authority) Peer(t testing.TB, clientID string, role session.Role) Pair {
	t.Helper()
	template := a.template(clientID, x509.ExtKeyUsageClientAuth)
	template.Subject.OrganizationalUnit = []string{string(role)}
	return a.issue(t, "peer-"+fileName(clientID), template)
}

// RelayTLS is the mutual TLS section a relay serving lane would load.
func (a *Authority) RelayTLS(lane Pair) session.TLSConfig {
	return session.TLSConfig{Enabled: true, Mutual: true, CertFile: lane.CertFile, KeyFile: lane.KeyFile, CAFile: a.caFile}
}

// PeerTLS is the matching client section for peer.
func (a *Authority) PeerTLS(peer Pair) session.TLSConfig {
	return session.TLSConfig{Enabled: true, Mutual: true, CertFile: peer.CertFile, KeyFile: peer.KeyFile, CAFile: a.caFile}
}

func (a *Authority) template(commonName string, usage x509.ExtKeyUsage) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: big.NewInt(a.serial.Add(1)),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{Organization}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
}

func (a *Authority) issue(t testing.TB, base string, template *x509.Certificate) Pair {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("sign %s: %v", base, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal %s key: %v", base, err)
	}
	p := Pair{
		CertFile: filepath.Join(a.dir, base+".crt"),
		KeyFile:  filepath.Join(a.dir, base+".key"),
	}
	if err := writePEM(p.CertFile, "CERTIFICATE", der, 0o644); err != nil {
		t.Fatalf("write %s cert: %v", base, err)
	}
	if err := writePEM(p.KeyFile, "PRIVATE KEY", keyDER, 0o600); err != nil {
		t.Fatalf("write %s key: %v", base, err)
	}
	return p
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), perm)
}

func fileName(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "anonymous"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(id)
}
