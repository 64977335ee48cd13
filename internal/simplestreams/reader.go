package simplestreams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/openpgp"           //nolint:staticcheck // simplestreams signatures are OpenPGP clearsigned documents
	"golang.org/x/crypto/openpgp/clearsign" //nolint:staticcheck
)

const (
	// DefaultURL is the Ubuntu cloud image release mirror.
	DefaultURL = "https://cloud-images.ubuntu.com/releases/"

	// DefaultIndexPath is the signed index at the root of a mirror.
	DefaultIndexPath = "streams/v1/index.sjson"

	// DefaultKeyring verifies the Ubuntu cloud image signatures.
	DefaultKeyring = "/usr/share/keyrings/ubuntu-cloudimage-keyring.gpg"

	signedSuffix = ".sjson"
)

// ErrSignature reports a signed document that failed verification.
var ErrSignature = errors.New("signature verification failed")

// Source reads documents and content from a simplestreams mirror. URL may
// be an http(s) URL, a file:// URL or a local directory.
type Source struct {
	URL string

	// Keyring is the OpenPGP keyring used to verify .sjson documents.
	Keyring string

	// NoAuth disables signature verification.
	NoAuth bool

	Client *http.Client
	Log    logr.Logger
}

func (s *Source) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// Open returns the document or content at rel, relative to the mirror root.
func (s *Source) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	base := s.URL
	if base == "" {
		base = DefaultURL
	}

	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		dir := base
		if err == nil && u.Scheme == "file" {
			dir = u.Path
		}
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", rel, err)
		}
		return f, nil
	}

	u.Path = path.Join(u.Path, rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", u, err)
	}

	s.Log.V(1).Info("fetching", "url", u.String())
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: %s", u, resp.Status)
	}
	return resp.Body, nil
}

// ReadDocument reads the document at rel. Documents ending in .sjson are
// clearsigned: unless NoAuth is set, the signature is verified against
// Keyring and the signed payload is returned.
func (s *Source) ReadDocument(ctx context.Context, rel string) ([]byte, error) {
	rc, err := s.Open(ctx, rel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	if !strings.HasSuffix(rel, signedSuffix) {
		return data, nil
	}

	block, _ := clearsign.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no clearsigned message found: %w", rel, ErrSignature)
	}
	if s.NoAuth {
		return block.Plaintext, nil
	}

	keyring, err := loadKeyring(s.keyringPath())
	if err != nil {
		return nil, err
	}
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", rel, ErrSignature, err)
	}
	return block.Plaintext, nil
}

func (s *Source) keyringPath() string {
	if s.Keyring == "" {
		return DefaultKeyring
	}
	return s.Keyring
}

// loadKeyring reads a binary keyring, falling back to ASCII armor.
func loadKeyring(p string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	if kr, err := openpgp.ReadKeyRing(bytes.NewReader(data)); err == nil && len(kr) > 0 {
		return kr, nil
	}
	kr, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse keyring %s: %w", p, err)
	}
	return kr, nil
}

// Entries reads the catalog starting at indexPath, which may be an index
// or a products document, and returns every item of every image-downloads
// stream.
func (s *Source) Entries(ctx context.Context, indexPath string) ([]Entry, error) {
	if indexPath == "" {
		indexPath = DefaultIndexPath
	}

	data, err := s.ReadDocument(ctx, indexPath)
	if err != nil {
		return nil, err
	}

	var head struct {
		Format string `json:"format"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", indexPath, err)
	}

	if strings.HasPrefix(head.Format, "products:") {
		return flatten(data)
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse index %s: %w", indexPath, err)
	}

	ids := make([]string, 0, len(idx.Index))
	for id := range idx.Index {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var entries []Entry
	for _, contentID := range ids {
		ie := idx.Index[contentID]
		if ie.Datatype != DatatypeImageDownloads {
			s.Log.V(1).Info("skipping stream", "content_id", contentID, "datatype", ie.Datatype)
			continue
		}
		doc, err := s.ReadDocument(ctx, ie.Path)
		if err != nil {
			return nil, err
		}
		es, err := flatten(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ie.Path, err)
		}
		for _, e := range es {
			if _, ok := e.Metadata["datatype"]; !ok {
				e.Metadata["datatype"] = ie.Datatype
			}
		}
		entries = append(entries, es...)
	}
	return entries, nil
}

// OpenContent opens the item an entry describes.
func (s *Source) OpenContent(ctx context.Context, e Entry) (io.ReadCloser, error) {
	if e.Path == "" {
		return nil, fmt.Errorf("%s %s %s has no path", e.Product, e.Version, e.Item)
	}
	return s.Open(ctx, e.Path)
}
