// Package koji talks to the Koji hub over XML-RPC and drives the koji
// command line client for runroot tasks.
package koji

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/kolo/xmlrpc"
	"github.com/sirupsen/logrus"
	"github.com/ubccr/kerby/khttp"

	"github.com/osbuild/pungi/internal/prometheus"
)

type Koji struct {
	mu         sync.Mutex
	sessionID  int64
	sessionKey string
	callnum    int
	xmlrpc     *xmlrpc.Client
	server     string
	transport  http.RoundTripper
}

type GSSAPICredentials struct {
	Principal string
	KeyTab    string
}

type loginReply struct {
	SessionID  int64  `xmlrpc:"session-id"`
	SessionKey string `xmlrpc:"session-key"`
}

// RoundTrip implements the RoundTripper interface, using the configured
// transport. When a session has been established, also pass along the
// session credentials. The XML-RPC helpers don't allow adjusting the URL
// per call, so the credentials go in here.
func (k *Koji) RoundTrip(req *http.Request) (*http.Response, error) {
	k.mu.Lock()
	if k.sessionKey == "" {
		k.mu.Unlock()
		return k.transport.RoundTrip(req)
	}

	// Clone the request, so as not to alter the passed in value.
	rClone := new(http.Request)
	*rClone = *req
	rClone.Header = make(http.Header, len(req.Header))
	for idx, header := range req.Header {
		rClone.Header[idx] = append([]string(nil), header...)
	}

	values := rClone.URL.Query()
	values.Add("session-id", fmt.Sprintf("%v", k.sessionID))
	values.Add("session-key", k.sessionKey)
	values.Add("callnum", fmt.Sprintf("%v", k.callnum))
	u := *rClone.URL
	u.RawQuery = values.Encode()
	rClone.URL = &u

	// Each call is given a unique callnum.
	k.callnum++
	k.mu.Unlock()

	return k.transport.RoundTrip(rClone)
}

// New returns an anonymous client. Queries do not need a session.
func New(server string, transport http.RoundTripper) (*Koji, error) {
	if transport == nil {
		transport = http.DefaultTransport
	}
	k := &Koji{transport: transport, server: server}
	client, err := xmlrpc.NewClient(server, k)
	if err != nil {
		return nil, err
	}
	k.xmlrpc = client
	return k, nil
}

// NewFromGSSAPI logs in with a Kerberos keytab and returns a client with an
// established session.
func NewFromGSSAPI(server string, credentials *GSSAPICredentials, transport http.RoundTripper) (*Koji, error) {
	if transport == nil {
		transport = http.DefaultTransport
	}
	kerberosTransport := &khttp.Transport{
		KeyTab:    credentials.KeyTab,
		Principal: credentials.Principal,
		Next:      transport,
	}
	loginClient, err := xmlrpc.NewClient(server+"/ssllogin", kerberosTransport)
	if err != nil {
		return nil, err
	}
	var reply loginReply
	if err := loginClient.Call("sslLogin", nil, &reply); err != nil {
		return nil, fmt.Errorf("GSSAPI login to %s failed: %w", server, err)
	}

	k, err := New(server, transport)
	if err != nil {
		return nil, err
	}
	k.sessionID = reply.SessionID
	k.sessionKey = reply.SessionKey
	return k, nil
}

// Logout ends the session
func (k *Koji) Logout() error {
	k.mu.Lock()
	hasSession := k.sessionKey != ""
	k.mu.Unlock()
	if !hasSession {
		return nil
	}
	return k.call("logout", nil, nil)
}

// call performs one XML-RPC call and records its metrics.
func (k *Koji) call(method string, args interface{}, reply interface{}) error {
	start := time.Now()
	err := k.xmlrpc.Call(method, args, reply)
	prometheus.KojiCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	prometheus.KojiCalls.WithLabelValues(method, result).Inc()
	if err != nil {
		return &CallError{Method: method, Err: err}
	}
	return nil
}

// CallError wraps a failed hub call.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("koji call %s failed: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// CreateKojiTransport returns a retrying transport. Connection errors and
// 5xx responses are retried up to maxRetries times with linear backoff.
func CreateKojiTransport(maxRetries int, logger *logrus.Logger) http.RoundTripper {
	// Koji for some reason needs TLS renegotiation enabled.
	// Clone the default http transport and enable renegotiation.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		Renegotiation: tls.RenegotiateOnceAsClient,
		MinVersion:    tls.VersionTLS12,
	}

	rClient := rh.NewClient()
	rClient.HTTPClient = &http.Client{Transport: transport}
	rClient.Logger = newHubLogger(logger)
	rClient.RetryMax = maxRetries
	rClient.RetryWaitMin = time.Second
	rClient.RetryWaitMax = 30 * time.Second
	rClient.Backoff = rh.LinearJitterBackoff
	return &rh.RoundTripper{Client: rClient}
}
