package ptz

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// soapClient speaks ONVIF SOAP 1.2 to a single device service endpoint.
// Authentication is WS-UsernameToken with PasswordDigest; devices with
// no credentials configured get an unauthenticated envelope.
type soapClient struct {
	endpoint string
	username string
	password string
	client   *http.Client
	debug    bool
}

func newSOAPClient(endpoint, username, password string, timeout time.Duration, debug bool) *soapClient {
	return &soapClient{
		endpoint: endpoint,
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
		debug:    debug,
	}
}

// computeSoapDigest implements the WS-UsernameToken password digest:
// base64(SHA1(nonce + created + password)).
func computeSoapDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (c *soapClient) securityHeader() (string, error) {
	if c.username == "" {
		return "", nil
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	created := time.Now().UTC().Format(time.RFC3339)
	digest := computeSoapDigest(nonce, created, c.password)

	return fmt.Sprintf(`<s:Header>
  <Security s:mustUnderstand="1" xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
    <UsernameToken>
      <Username>%s</Username>
      <Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
      <Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
      <Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
    </UsernameToken>
  </Security>
</s:Header>`,
		xmlEscape(c.username), digest,
		base64.StdEncoding.EncodeToString(nonce), created), nil
}

// Do posts bodyInner wrapped in a SOAP 1.2 envelope and returns the raw
// response body. Non-200 responses become errors; 401 and 400 map to
// ErrAuthFailed since devices disagree on which one a bad digest gets.
func (c *soapClient) Do(ctx context.Context, bodyInner string) ([]byte, error) {
	header, err := c.securityHeader()
	if err != nil {
		return nil, err
	}

	envelope := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
%s<s:Body>%s</s:Body>
</s:Envelope>`, header, bodyInner)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action=""`)

	if c.debug {
		debugf("request %s: %s", c.endpoint, bodyInner)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if c.debug {
		debugf("response %s %d: %s", c.endpoint, resp.StatusCode, raw)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuthFailed
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(string(raw), "NotAuthorized"):
		return nil, ErrAuthFailed
	default:
		return nil, fmt.Errorf("onvif error %d: %s", resp.StatusCode, snippet(raw))
	}
}

func mapTransportErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func snippet(raw []byte) string {
	s := string(raw)
	if len(s) > 200 {
		s = s[:200]
	}
	return strings.TrimSpace(s)
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
