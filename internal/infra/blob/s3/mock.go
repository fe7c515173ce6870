package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// NewMockForTests returns a Store whose S3 client talks to an in-process fake
// over a custom RoundTripper. It supports HEAD, GET, PUT and ListObjectsV2.
func NewMockForTests() *Store {
	st, err := New(context.Background(), Config{
		Bucket:          "mock-bucket",
		Region:          "us-east-1",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: newFakeS3()},
	})
	if err != nil {
		panic(fmt.Sprintf("mock s3: %v", err))
	}
	return st
}

type fakeObject struct {
	body        []byte
	contentType string
	modified    time.Time
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string]fakeObject)} }

func emptyResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// path style: /<bucket>/<key>
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return f.list(req.URL.Query().Get("prefix")), nil
	}
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			return emptyResponse(http.StatusNotFound), nil
		}
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Content-Length", strconv.Itoa(len(obj.body)))
		resp.Header.Set("Content-Type", obj.contentType)
		resp.Header.Set("ETag", `"etag-`+strconv.Itoa(len(obj.body))+`"`)
		resp.Header.Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		if req.Method == http.MethodGet {
			resp.Body = io.NopCloser(bytes.NewReader(obj.body))
		}
		return resp, nil
	case http.MethodPut:
		if _, exists := f.objects[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return emptyResponse(http.StatusPreconditionFailed), nil
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if decoded, ok := decodeAWSChunked(body); ok {
			body = decoded
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), modified: time.Now().UTC()}
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("ETag", `"etag"`)
		return resp, nil
	}
	return emptyResponse(http.StatusNotImplemented), nil
}

func (f *fakeS3) list(prefix string) *http.Response {
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>%s</LastModified></Contents>",
			k, len(f.objects[k].body), f.objects[k].modified.Format(time.RFC3339))
	}
	b.WriteString("</ListBucketResult>")
	resp := emptyResponse(http.StatusOK)
	resp.Header.Set("Content-Type", "application/xml")
	resp.Body = io.NopCloser(strings.NewReader(b.String()))
	return resp
}

// decodeAWSChunked unwraps a single-chunk aws-chunked payload:
// <hex size>\r\n<body>\r\n0\r\n[trailers]
func decodeAWSChunked(b []byte) ([]byte, bool) {
	head, rest, ok := bytes.Cut(b, []byte("\r\n"))
	if !ok {
		return nil, false
	}
	sizeHex, _, _ := bytes.Cut(head, []byte(";"))
	size, err := strconv.ParseInt(string(sizeHex), 16, 64)
	if err != nil || size < 0 || int64(len(rest)) < size+2 {
		return nil, false
	}
	body := rest[:size]
	if !bytes.HasPrefix(rest[size:], []byte("\r\n0")) {
		return nil, false
	}
	return body, true
}
