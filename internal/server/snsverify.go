package server

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var errUnsigned = errors.New("message is not signed")

// signatureVerifier checks SNS message signatures against the signing
// certificate SNS points to. Certificates are cached by URL.
type signatureVerifier struct {
	client    *http.Client
	allowHost func(host string) bool

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

func newSignatureVerifier(client *http.Client, allowHost func(string) bool) *signatureVerifier {
	return &signatureVerifier{
		client:    client,
		allowHost: allowHost,
		certs:     make(map[string]*x509.Certificate),
	}
}

func (v *signatureVerifier) Verify(ctx context.Context, m snsMessage) error {
	if m.Signature == "" || m.SigningCertURL == "" {
		return errUnsigned
	}

	signature, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	var (
		hash   crypto.Hash
		digest []byte
	)
	payload := []byte(m.stringToSign())
	switch m.SignatureVersion {
	case "1":
		sum := sha1.Sum(payload)
		hash, digest = crypto.SHA1, sum[:]
	case "2":
		sum := sha256.Sum256(payload)
		hash, digest = crypto.SHA256, sum[:]
	default:
		return fmt.Errorf("unsupported signature version %q", m.SignatureVersion)
	}

	cert, err := v.certificate(ctx, m.SigningCertURL)
	if err != nil {
		return err
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("signing certificate has a %T key", cert.PublicKey)
	}
	if err := rsa.VerifyPKCS1v15(key, hash, digest, signature); err != nil {
		return fmt.Errorf("signature mismatch: %w", err)
	}
	return nil
}

func (v *signatureVerifier) certificate(ctx context.Context, rawURL string) (*x509.Certificate, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" || !v.allowHost(u.Hostname()) || !strings.HasSuffix(u.Path, ".pem") {
		return nil, fmt.Errorf("untrusted signing certificate URL %q", rawURL)
	}

	v.mu.Lock()
	cert, ok := v.certs[rawURL]
	v.mu.Unlock()
	if ok && time.Now().Before(cert.NotAfter) {
		return cert, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch signing certificate: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read signing certificate: %w", err)
	}
	block, _ := pem.Decode(body)
	if block == nil {
		return nil, errors.New("signing certificate is not PEM encoded")
	}
	cert, err = x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing certificate: %w", err)
	}
	if now := time.Now(); now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, errors.New("signing certificate is not currently valid")
	}

	v.mu.Lock()
	v.certs[rawURL] = cert
	v.mu.Unlock()
	return cert, nil
}

// stringToSign is the canonical form SNS signs: selected fields as
// "Name\nvalue\n" pairs in byte order of the names.
func (m snsMessage) stringToSign() string {
	var b strings.Builder
	add := func(name, value string) {
		b.WriteString(name)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	add("Message", m.Message)
	add("MessageId", m.MessageID)
	if m.Type == snsTypeNotification {
		if m.Subject != "" {
			add("Subject", m.Subject)
		}
		add("Timestamp", m.Timestamp)
	} else {
		add("SubscribeURL", m.SubscribeURL)
		add("Timestamp", m.Timestamp)
		add("Token", m.Token)
	}
	add("TopicArn", m.TopicArn)
	add("Type", m.Type)
	return b.String()
}
