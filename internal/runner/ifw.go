package runner

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/icinga-go/gogiod/internal/errkind"
)

// ifwResult is one command's entry in an IFW API response body:
// `{ <cmd>: { exitcode, checkresult, perfdata[] } }`.
type ifwResult struct {
	ExitCode    int      `json:"exitcode"`
	CheckResult string   `json:"checkresult"`
	Perfdata    []string `json:"perfdata"`
}

// ifwClient issues the HTTPS POST /v1/checker?command=<cmd> request for
// the IFW API command type. Unlike gogios's fork+exec-only Executor,
// this command type never touches os/exec — it is a plain
// JSON-over-HTTPS client.
type ifwClient struct {
	httpClient *http.Client
}

func newIfwClient() *ifwClient {
	return &ifwClient{httpClient: &http.Client{}}
}

// withCA points the client's TLS validation at caPEM instead of the
// system trust store.
func (ic *ifwClient) withCA(caPEM []byte) error {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return errors.New("runner: no certificates found in configured IFW CA bundle")
	}
	ic.httpClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return nil
}

// Check POSTs args as a JSON object to baseURL's /v1/checker endpoint
// for command and returns the decoded result for that command.
func (ic *ifwClient) Check(ctx context.Context, baseURL, command string, args map[string]string) (ifwResult, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return ifwResult{}, fmt.Errorf("encode request body: %w", err)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/v1/checker?command=" + url.QueryEscape(command)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ifwResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ic.httpClient.Do(req)
	if err != nil {
		return ifwResult{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ifwResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ifwResult{}, fmt.Errorf("ifw api returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var envelope map[string]ifwResult
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ifwResult{}, fmt.Errorf("bad JSON response: %w", err)
	}
	result, ok := envelope[command]
	if !ok {
		return ifwResult{}, fmt.Errorf("response missing field %q", command)
	}
	return result, nil
}

// classifyTransportError maps a net/http transport failure to a named
// error category (connect failed, TLS handshake failed, certificate
// not trusted, timed out) so classifyIfwError can recover the right
// errkind.Kind from the message text.
func classifyTransportError(err error) error {
	var urlErr *url.Error
	inner := err
	if errors.As(err, &urlErr) {
		inner = urlErr.Err
	}

	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certErr *tls.CertificateVerificationError
	switch {
	case errors.As(inner, &unknownAuth), errors.As(inner, &hostnameErr), errors.As(inner, &certErr):
		return fmt.Errorf("certificate not trusted: %w", err)
	}

	var netErr net.Error
	if errors.As(inner, &netErr) && netErr.Timeout() {
		return fmt.Errorf("operation_aborted: timed out: %w", err)
	}
	if errors.Is(inner, context.DeadlineExceeded) {
		return fmt.Errorf("operation_aborted: timed out: %w", err)
	}

	var opErr *net.OpError
	if errors.As(inner, &opErr) {
		if opErr.Op == "dial" {
			return fmt.Errorf("connect failed: %w", err)
		}
		if _, ok := opErr.Err.(*tls.RecordHeaderError); ok {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
	}

	return fmt.Errorf("TLS handshake failed: %w", err)
}

// classifyIfwError recovers the errkind.Kind an IFW API failure should
// be reported under from the textual category classifyTransportError
// (or Check's own JSON/field errors) produced.
func classifyIfwError(err error) (errkind.Kind, string) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "operation_aborted"):
		return errkind.CommandTimeout, msg
	case strings.Contains(msg, "connect failed"),
		strings.Contains(msg, "TLS handshake failed"),
		strings.Contains(msg, "certificate not trusted"):
		return errkind.RemoteUnreachable, msg
	default:
		return errkind.CommandExecFailure, msg
	}
}
