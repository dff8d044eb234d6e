package backend

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/juju/errors"
)

// Azure is an Azure Blob Storage Backend. The corpus carries azcore
// (the control-plane ARM SDK juju/juju uses for VM/disk management) but
// no Blob data-plane client, so this backend builds the handful of Blob
// REST verbs it needs directly, using azcore's runtime.Pipeline for the
// same retry/telemetry policy chain the ARM clients in the corpus rely
// on, with a shared-key authentication policy standing in for the
// missing SDK's credential type.
type Azure struct {
	pipeline    runtime.Pipeline
	accountName string
	accountKey  []byte
	container   string
	endpoint    string
}

// AzureOptions configures the Azure backend.
type AzureOptions struct {
	AccountName string
	AccountKey  string // base64-encoded, as issued by the Azure portal
	Container   string
	Endpoint    string // defaults to https://<account>.blob.core.windows.net
}

// NewAzure constructs an Azure Blob backend from opts.
func NewAzure(opts AzureOptions) (*Azure, error) {
	key, err := base64.StdEncoding.DecodeString(opts.AccountKey)
	if err != nil {
		return nil, errors.NotValidf("azure account key: not base64")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", opts.AccountName)
	}

	a := &Azure{
		accountName: opts.AccountName,
		accountKey:  key,
		container:   opts.Container,
		endpoint:    strings.TrimSuffix(endpoint, "/"),
	}

	pl := runtime.NewPipeline("ghostsnap", "v1", runtime.PipelineOptions{
		PerRetry: []policy.Policy{sharedKeyPolicy{backend: a}},
	}, &policy.ClientOptions{})
	a.pipeline = pl
	return a, nil
}

func (a *Azure) Kind() string { return "azure" }

func (a *Azure) blobURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", a.endpoint, a.container, key)
}

// sharedKeyPolicy signs every request with Azure's Shared Key
// authorization scheme, since azcore has no Blob-specific credential
// type in this corpus.
type sharedKeyPolicy struct {
	backend *Azure
}

func (p sharedKeyPolicy) Do(req *policy.Request) (*http.Response, error) {
	raw := req.Raw()
	if raw.Header.Get("x-ms-version") == "" {
		raw.Header.Set("x-ms-version", "2021-08-06")
	}
	if raw.Header.Get("x-ms-date") == "" {
		raw.Header.Set("x-ms-date", time.Now().UTC().Format(http.TimeFormat))
	}
	sig, err := p.backend.signature(raw)
	if err != nil {
		return nil, err
	}
	raw.Header.Set("Authorization", fmt.Sprintf("SharedKey %s:%s", p.backend.accountName, sig))
	return req.Next()
}

// signature implements Azure's Shared Key Lite-free (full) string-to-
// sign construction for Blob Service requests.
func (a *Azure) signature(req *http.Request) (string, error) {
	canonicalizedHeaders := canonicalizeHeaders(req.Header)
	canonicalizedResource := canonicalizeResource(a.accountName, req.URL.Path, req.URL.Query())

	contentLength := ""
	if req.ContentLength > 0 {
		contentLength = strconv.FormatInt(req.ContentLength, 10)
	}

	stringToSign := strings.Join([]string{
		req.Method,
		req.Header.Get("Content-Encoding"),
		req.Header.Get("Content-Language"),
		contentLength,
		req.Header.Get("Content-MD5"),
		req.Header.Get("Content-Type"),
		"", // Date (unused: we sign with x-ms-date instead)
		req.Header.Get("If-Modified-Since"),
		req.Header.Get("If-Match"),
		req.Header.Get("If-None-Match"),
		req.Header.Get("If-Unmodified-Since"),
		req.Header.Get("Range"),
		canonicalizedHeaders,
		canonicalizedResource,
	}, "\n")

	mac := hmac.New(sha256.New, a.accountKey)
	if _, err := mac.Write([]byte(stringToSign)); err != nil {
		return "", errors.Annotate(err, "sign azure request")
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func canonicalizeHeaders(h http.Header) string {
	var keys []string
	for k := range h {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-ms-") {
			keys = append(keys, lk)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:%s\n", k, strings.Join(h.Values(k), ","))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func canonicalizeResource(account, path string, query map[string][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/%s%s", account, path)
	var keys []string
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string{}, query[k]...)
		sort.Strings(vals)
		fmt.Fprintf(&b, "\n%s:%s", strings.ToLower(k), strings.Join(vals, ","))
	}
	return b.String()
}

func (a *Azure) do(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := runtime.NewRequest(ctx, method, url)
	if err != nil {
		return nil, errors.Annotate(err, "build azure request")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Raw().Header.Add(k, v)
		}
	}
	if body != nil {
		if err := req.SetBody(newBytesStream(body), "application/octet-stream"); err != nil {
			return nil, errors.Annotate(err, "set azure request body")
		}
	}
	return a.pipeline.Do(req)
}

func (a *Azure) Put(ctx context.Context, key string, data []byte) error {
	headers := http.Header{"x-ms-blob-type": []string{"BlockBlob"}}
	resp, err := a.do(ctx, http.MethodPut, a.blobURL(key), headers, data)
	if err != nil {
		return errors.Annotatef(Transient(err), "azure put %q", key)
	}
	defer resp.Body.Close()
	return classifyAzureStatus(resp, key)
}

func (a *Azure) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	headers := http.Header{
		"x-ms-blob-type": []string{"BlockBlob"},
		"If-None-Match":  []string{"*"},
	}
	resp, err := a.do(ctx, http.MethodPut, a.blobURL(key), headers, data)
	if err != nil {
		return errors.Annotatef(Transient(err), "azure put-if-absent %q", key)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict {
		return errors.AlreadyExistsf("key %q", key)
	}
	return classifyAzureStatus(resp, key)
}

func (a *Azure) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.do(ctx, http.MethodGet, a.blobURL(key), nil, nil)
	if err != nil {
		return nil, errors.Annotatef(Transient(err), "azure get %q", key)
	}
	defer resp.Body.Close()
	if err := classifyAzureStatus(resp, key); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (a *Azure) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	headers := http.Header{"x-ms-range": []string{fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)}}
	resp, err := a.do(ctx, http.MethodGet, a.blobURL(key), headers, nil)
	if err != nil {
		return nil, errors.Annotatef(Transient(err), "azure get-range %q", key)
	}
	defer resp.Body.Close()
	if err := classifyAzureStatus(resp, key); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

type azureListResult struct {
	XMLName xml.Name `xml:"EnumerationResults"`
	Blobs   struct {
		Blob []struct {
			Name       string `xml:"Name"`
			Properties struct {
				ContentLength int64  `xml:"Content-Length"`
				LastModified  string `xml:"Last-Modified"`
			} `xml:"Properties"`
		} `xml:"Blob"`
	} `xml:"Blobs"`
}

// List issues a single List Blobs request and returns the blobs in that
// one response page; a NextMarker continuation is not followed, so a
// prefix holding more blobs than the service returns per page is listed
// only in part.
func (a *Azure) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	url := fmt.Sprintf("%s/%s?restype=container&comp=list&prefix=%s", a.endpoint, a.container, prefix)
	resp, err := a.do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, errors.Annotatef(Transient(err), "azure list %q", prefix)
	}
	defer resp.Body.Close()
	if err := classifyAzureStatus(resp, prefix); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "read azure list response")
	}
	var result azureListResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return nil, errors.Annotate(err, "parse azure list response")
	}
	var out []ObjectInfo
	for _, b := range result.Blobs.Blob {
		info := ObjectInfo{Key: b.Name, Size: b.Properties.ContentLength}
		if t, err := http.ParseTime(b.Properties.LastModified); err == nil {
			info.Modified = t
		}
		out = append(out, info)
	}
	return out, nil
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	resp, err := a.do(ctx, http.MethodDelete, a.blobURL(key), nil, nil)
	if err != nil {
		return errors.Annotatef(Transient(err), "azure delete %q", key)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classifyAzureStatus(resp, key)
}

func (a *Azure) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := a.do(ctx, http.MethodHead, a.blobURL(key), nil, nil)
	if err != nil {
		return false, errors.Annotatef(Transient(err), "azure head %q", key)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := classifyAzureStatus(resp, key); err != nil {
		return false, err
	}
	return true, nil
}

func classifyAzureStatus(resp *http.Response, key string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return errors.NotFoundf("key %q", key)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return errors.Unauthorizedf("azure %q: status %d", key, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(errors.Errorf("azure %q: status %d", key, resp.StatusCode))
	default:
		return errors.Errorf("azure %q: unexpected status %d", key, resp.StatusCode)
	}
}

// bytesStream adapts a []byte to the io.ReadSeekCloser azcore's
// req.SetBody requires for retryable request bodies.
type bytesStream struct {
	*bytes.Reader
}

func newBytesStream(b []byte) bytesStream {
	return bytesStream{bytes.NewReader(b)}
}

func (bytesStream) Close() error { return nil }
