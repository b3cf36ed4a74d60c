package store

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jacktea/castore/pkg/xerrors"
)

// RemoteStore persists blobs in S3-compatible object storage, one object per
// key. Renames use a server-side copy when the endpoint supports it and fall
// back to download-upload otherwise. A small LRU keeps recently read objects
// in memory.
//
// Writes buffer the payload so the request can carry Content-Length and a
// payload hash for signing.
type RemoteStore struct {
	client  *http.Client
	baseURL string
	bucket  string
	signer  Signer
	cache   *lru.Cache[string, []byte]
}

var _ Store = (*RemoteStore)(nil)

// RemoteConfig is the provider-independent part of a remote store setup.
type RemoteConfig struct {
	Endpoint     string
	Bucket       string
	Client       *http.Client
	CacheEntries int // 0 picks a default, negative disables the read cache
}

// Signer signs HTTP requests for the remote provider.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// NewRemoteStore builds a RemoteStore with the given signer.
func NewRemoteStore(cfg RemoteConfig, signer Signer) (*RemoteStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("remote store requires endpoint and bucket")
	}
	bucket := strings.Trim(cfg.Bucket, "/")
	if bucket == "" {
		return nil, fmt.Errorf("remote store bucket invalid")
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheEntries == 0 {
		cfg.CacheEntries = 512
	}
	var readCache *lru.Cache[string, []byte]
	if cfg.CacheEntries > 0 {
		var err error
		readCache, err = lru.New[string, []byte](cfg.CacheEntries)
		if err != nil {
			return nil, err
		}
	}
	return &RemoteStore{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/") + "/" + bucket,
		bucket:  bucket,
		signer:  signer,
		cache:   readCache,
	}, nil
}

// S3Config describes an AWS S3-compatible store.
type S3Config struct {
	RemoteConfig
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// NewS3Store builds a RemoteStore with AWS SigV4 signing.
func NewS3Store(cfg S3Config) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3 store requires access key, secret key, and region")
	}
	signer := &s3Signer{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    cfg.Region,
		token:     cfg.SessionToken,
	}
	return NewRemoteStore(cfg.RemoteConfig, signer)
}

func (r *RemoteStore) Write(ctx context.Context, key string, src io.Reader) (int64, error) {
	payload, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	if err := r.upload(ctx, key, payload); err != nil {
		return 0, err
	}
	r.cachePut(key, payload)
	return int64(len(payload)), nil
}

func (r *RemoteStore) Read(ctx context.Context, key string, dst io.Writer) (int64, error) {
	if data, ok := r.cacheGet(key); ok {
		n, err := dst.Write(data)
		return int64(n), err
	}
	resp, err := r.do(ctx, http.MethodGet, key, nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, xerrors.E(xerrors.KindNotFound, "RemoteStore.Read", key)
	}
	if resp.StatusCode >= 300 {
		return 0, remoteError("RemoteStore.Read", key, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Read", key, err)
	}
	r.cachePut(key, data)
	n, err := dst.Write(data)
	return int64(n), err
}

func (r *RemoteStore) Rename(ctx context.Context, oldKey, newKey string) error {
	exists, err := r.Exists(ctx, oldKey)
	if err != nil {
		return err
	}
	if !exists {
		return xerrors.E(xerrors.KindNotFound, "RemoteStore.Rename", oldKey)
	}
	if err := r.serverSideCopy(ctx, oldKey, newKey); err != nil {
		// Endpoint without copy support: move the bytes ourselves.
		var buf bytes.Buffer
		if _, err := r.Read(ctx, oldKey, &buf); err != nil {
			return err
		}
		if err := r.upload(ctx, newKey, buf.Bytes()); err != nil {
			return err
		}
	}
	if data, ok := r.cacheGet(oldKey); ok {
		r.cachePut(newKey, data)
	}
	r.cacheDel(oldKey)
	return r.Delete(ctx, oldKey)
}

func (r *RemoteStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, key, nil, nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("remote head %s", resp.Status)
	}
}

func (r *RemoteStore) Delete(ctx context.Context, key string) error {
	resp, err := r.do(ctx, http.MethodDelete, key, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return remoteError("RemoteStore.Delete", key, resp)
	}
	r.cacheDel(key)
	return nil
}

func (r *RemoteStore) upload(ctx context.Context, key string, payload []byte) error {
	md5Sum := md5.Sum(payload)
	headers := http.Header{}
	headers.Set("Content-Type", "application/octet-stream")
	headers.Set("Content-Length", strconv.Itoa(len(payload)))
	headers.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	resp, err := r.do(ctx, http.MethodPut, key, payload, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return remoteError("RemoteStore.Write", key, resp)
	}
	return nil
}

func (r *RemoteStore) serverSideCopy(ctx context.Context, oldKey, newKey string) error {
	headers := http.Header{}
	headers.Set("x-amz-copy-source", "/"+r.bucket+"/"+oldKey)
	resp, err := r.do(ctx, http.MethodPut, newKey, nil, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return remoteError("RemoteStore.Rename", oldKey, resp)
	}
	return nil
}

func (r *RemoteStore) do(ctx context.Context, method, key string, payload []byte, headers http.Header) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.objectURL(key), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	payloadHash := payloadSHA256(payload)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("Host", req.URL.Host)
	if err := r.signer.Sign(req, payloadHash); err != nil {
		return nil, err
	}
	return r.client.Do(req)
}

func (r *RemoteStore) objectURL(key string) string {
	return r.baseURL + "/" + key
}

func (r *RemoteStore) cacheGet(key string) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}
	if data, ok := r.cache.Get(key); ok {
		return append([]byte(nil), data...), true
	}
	return nil, false
}

func (r *RemoteStore) cachePut(key string, data []byte) {
	if r.cache == nil {
		return
	}
	r.cache.Add(key, append([]byte(nil), data...))
}

func (r *RemoteStore) cacheDel(key string) {
	if r.cache == nil {
		return
	}
	r.cache.Remove(key)
}

func remoteError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return xerrors.Wrap(xerrors.KindInternal, op, key,
		fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
}

func payloadSHA256(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// --- AWS SigV4 signing ---

type s3Signer struct {
	accessKey string
	secretKey string
	region    string
	token     string
	now       func() time.Time
}

func (s *s3Signer) Sign(req *http.Request, payloadHash string) error {
	if s.now == nil {
		s.now = time.Now
	}
	t := s.now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("host", req.URL.Host)
	if payloadHash == "" {
		payloadHash = payloadSHA256(nil)
	}
	canonicalHeaders, signedHeaders := canonicalHeaderStrings(req.Header)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQueryString(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hashedRequest := sha256.Sum256([]byte(canonicalRequest))
	credentialScope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(hashedRequest[:]),
	}, "\n")
	signature := hmacSHA256Hex(s.deriveKey(dateStamp), stringToSign)
	req.Header.Set("Authorization",
		fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
			s.accessKey, credentialScope, signedHeaders, signature))
	if s.token != "" {
		req.Header.Set("x-amz-security-token", s.token)
	}
	return nil
}

func (s *s3Signer) deriveKey(date string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), date)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, "s3")
	return hmacSHA256(kService, "aws4_request")
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	values, _ := url.ParseQuery(u.RawQuery)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(v)))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalHeaderStrings(h http.Header) (string, string) {
	keys := make([]string, 0, len(h))
	lower := make(map[string][]string)
	for k, v := range h {
		lk := strings.ToLower(k)
		keys = append(keys, lk)
		lower[lk] = v
	}
	sort.Strings(keys)
	keys = uniqueSorted(keys)
	var canonical []string
	var signed []string
	for _, k := range keys {
		values := append([]string(nil), lower[k]...)
		sort.Strings(values)
		canonical = append(canonical, fmt.Sprintf("%s:%s", k, strings.TrimSpace(strings.Join(values, ","))))
		signed = append(signed, k)
	}
	return strings.Join(canonical, "\n") + "\n", strings.Join(signed, ";")
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := []string{in[0]}
	for i := 1; i < len(in); i++ {
		if in[i] != in[i-1] {
			out = append(out, in[i])
		}
	}
	return out
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	return hex.EncodeToString(hmacSHA256(key, data))
}
