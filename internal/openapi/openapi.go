// Package openapi parses OpenAPI documents far enough to extract the ordered
// endpoint set a scan probes. It is intentionally not a full OpenAPI
// implementation: the scanner workers interpret schemas; the orchestrator
// only needs (method, path) pairs in declaration order.
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
)

// methodOrder is the canonical ordering of operations within one path item.
// Path order itself follows the document's declaration order.
var methodOrder = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS", "TRACE"}

// Info carries the API metadata we surface in scan listings.
type Info struct {
	Title   string `json:"title" yaml:"title"`
	Version string `json:"version" yaml:"version"`
}

// Document is a parsed specification reduced to what the orchestrator needs.
type Document struct {
	Info      Info
	Endpoints []scan.Endpoint
}

// Parse decodes an OpenAPI document from JSON or YAML and extracts its
// endpoints in declaration order. Malformed documents and documents with an
// empty endpoint set are rejected with scan.ErrInvalidSpec.
func Parse(data []byte) (*Document, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", scan.ErrInvalidSpec)
	}

	var (
		doc *Document
		err error
	)
	if trimmed[0] == '{' {
		doc, err = parseJSON(data)
	} else {
		doc, err = parseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrInvalidSpec, err)
	}
	if len(doc.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: no paths declared", scan.ErrInvalidSpec)
	}
	return doc, nil
}

// Load resolves a spec reference: inline JSON, an http(s) URL, or a local
// file path. Resolution happens at scan creation so a broken reference is
// caught before any worker launches.
func Load(ctx context.Context, ref string) (*Document, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, fmt.Errorf("%w: empty spec reference", scan.ErrInvalidSpec)
	case strings.HasPrefix(ref, "{"):
		return Parse([]byte(ref))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return fetch(ctx, ref)
	default:
		data, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", scan.ErrInvalidSpec, ref, err)
		}
		return Parse(data)
	}
}

func fetch(ctx context.Context, url string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrInvalidSpec, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", scan.ErrInvalidSpec, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetching %s: status %d", scan.ErrInvalidSpec, url, resp.StatusCode)
	}
	// Specs are small; 8 MiB is generous.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", scan.ErrInvalidSpec, url, err)
	}
	return Parse(data)
}

func isHTTPMethod(key string) (string, bool) {
	upper := strings.ToUpper(key)
	for _, m := range methodOrder {
		if upper == m {
			return m, true
		}
	}
	return "", false
}

// orderMethods sorts the methods found on one path item into methodOrder.
func orderMethods(found map[string]bool) []string {
	var out []string
	for _, m := range methodOrder {
		if found[m] {
			out = append(out, m)
		}
	}
	return out
}

// --- JSON ---

// parseJSON walks the raw token stream so path declaration order survives;
// encoding/json maps would shuffle it.
func parseJSON(data []byte) (*Document, error) {
	var meta struct {
		OpenAPI string `json:"openapi"`
		Swagger string `json:"swagger"`
		Info    Info   `json:"info"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.OpenAPI == "" && meta.Swagger == "" {
		return nil, fmt.Errorf("missing openapi/swagger version field")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("document root is not an object")
	}

	doc := &Document{Info: meta.Info}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		if key != "paths" {
			if err := skipJSONValue(dec); err != nil {
				return nil, err
			}
			continue
		}

		eps, err := pathsFromJSON(dec)
		if err != nil {
			return nil, err
		}
		doc.Endpoints = eps
	}
	return doc, nil
}

func pathsFromJSON(dec *json.Decoder) ([]scan.Endpoint, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("paths is not an object")
	}

	var eps []scan.Endpoint
	for dec.More() {
		pTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		path, _ := pTok.(string)

		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			// $ref'd path items and such carry nothing to probe, skip.
			if d, ok := tok.(json.Delim); ok && d == '[' {
				return nil, fmt.Errorf("path item %s is an array", path)
			}
			continue
		}

		found := map[string]bool{}
		for dec.More() {
			mTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			mKey, _ := mTok.(string)
			if m, ok := isHTTPMethod(mKey); ok {
				found[m] = true
			}
			if err := skipJSONValue(dec); err != nil {
				return nil, err
			}
		}
		if _, err := dec.Token(); err != nil { // closing '}'
			return nil, err
		}
		for _, m := range orderMethods(found) {
			eps = append(eps, scan.Endpoint{Method: m, Path: path})
		}
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, err
	}
	return eps, nil
}

// skipJSONValue consumes one complete JSON value from the decoder.
func skipJSONValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || (d != '{' && d != '[') {
		return nil
	}
	for dec.More() {
		if d == '{' {
			if _, err := dec.Token(); err != nil { // key
				return err
			}
		}
		if err := skipJSONValue(dec); err != nil {
			return err
		}
	}
	_, err = dec.Token() // closing delim
	return err
}

// --- YAML ---

// parseYAML uses yaml.Node rather than a map so mapping order is preserved.
func parseYAML(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("document root is not a mapping")
	}
	top := root.Content[0]

	doc := &Document{}
	versioned := false
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, val := top.Content[i], top.Content[i+1]
		switch key.Value {
		case "openapi", "swagger":
			versioned = val.Value != ""
		case "info":
			_ = val.Decode(&doc.Info)
		case "paths":
			eps, err := pathsFromYAML(val)
			if err != nil {
				return nil, err
			}
			doc.Endpoints = eps
		}
	}
	if !versioned {
		return nil, fmt.Errorf("missing openapi/swagger version field")
	}
	return doc, nil
}

func pathsFromYAML(node *yaml.Node) ([]scan.Endpoint, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("paths is not a mapping")
	}
	var eps []scan.Endpoint
	for i := 0; i+1 < len(node.Content); i += 2 {
		path, item := node.Content[i].Value, node.Content[i+1]
		if item.Kind != yaml.MappingNode {
			continue
		}
		found := map[string]bool{}
		for j := 0; j+1 < len(item.Content); j += 2 {
			if m, ok := isHTTPMethod(item.Content[j].Value); ok {
				found[m] = true
			}
		}
		for _, m := range orderMethods(found) {
			eps = append(eps, scan.Endpoint{Method: m, Path: path})
		}
	}
	return eps, nil
}
