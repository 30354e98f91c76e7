// Package blossom is a minimal client for the Blossom blob-storage protocol:
// authenticated upload plus plain download.
package blossom

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise-im/whitenoise/internal/errs"
)

// Descriptor is the server's response to a successful upload.
type Descriptor struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type,omitempty"`
}

// Client talks to one blossom server. Stateless and freely shared.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given server base url.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// authorization builds the signed kind-24242 upload authorization event and
// renders it as the Authorization header value.
func authorization(privkey, sha256Hex string) (string, error) {
	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      24242,
		Tags: nostr.Tags{
			{"t", "upload"},
			{"x", sha256Hex},
			{"expiration", fmt.Sprintf("%d", time.Now().Add(5*time.Minute).Unix())},
		},
		Content: "upload",
	}
	if err := ev.Sign(privkey); err != nil {
		return "", err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(raw), nil
}

// Upload PUTs the blob, signing the authorization with privkey.
func (c *Client) Upload(ctx context.Context, privkey string, blob []byte) (*Descriptor, error) {
	sum := sha256.Sum256(blob)
	auth, err := authorization(privkey, hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, errs.E(errs.KindMedia, "blossom.Upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/upload", bytes.NewReader(blob))
	if err != nil {
		return nil, errs.E(errs.KindMedia, "blossom.Upload", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.E(errs.KindMedia, "blossom.Upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, errs.Ef(errs.KindMedia, "blossom.Upload", "server returned %s", resp.Status)
	}

	var desc Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, errs.E(errs.KindMedia, "blossom.Upload", err)
	}
	return &desc, nil
}

// Download GETs a blob by url.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.E(errs.KindMedia, "blossom.Download", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.E(errs.KindMedia, "blossom.Download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Ef(errs.KindMedia, "blossom.Download", "server returned %s", resp.Status)
	}
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.E(errs.KindMedia, "blossom.Download", err)
	}
	return blob, nil
}
