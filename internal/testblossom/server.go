// Package testblossom runs an in-process Blossom blob server for the
// integration and benchmark binaries.
package testblossom

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
)

// Server stores uploaded blobs in memory, keyed by sha256.
type Server struct {
	mu    sync.Mutex
	blobs map[string][]byte

	listener net.Listener
	httpSrv  *http.Server
}

// Start launches the server on a loopback port.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		blobs:    make(map[string][]byte),
		listener: ln,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.PUT("/upload", s.handleUpload)
	r.GET("/:sha256", s.handleGet)

	s.httpSrv = &http.Server{Handler: r}
	go func() { _ = s.httpSrv.Serve(ln) }()
	return s, nil
}

// URL returns the http:// base address of the server.
func (s *Server) URL() string {
	return "http://" + s.listener.Addr().String()
}

// Close shuts the server down.
func (s *Server) Close() {
	_ = s.httpSrv.Close()
}

func (s *Server) handleUpload(c *gin.Context) {
	blob, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "unreadable body"})
		return
	}
	sum := sha256.Sum256(blob)
	shaHex := hex.EncodeToString(sum[:])

	if !validAuthorization(c.GetHeader("Authorization"), shaHex) {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "missing or invalid authorization"})
		return
	}

	s.mu.Lock()
	s.blobs[shaHex] = blob
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"url":    s.URL() + "/" + shaHex,
		"sha256": shaHex,
		"size":   len(blob),
	})
}

func (s *Server) handleGet(c *gin.Context) {
	shaHex := c.Param("sha256")
	s.mu.Lock()
	blob, ok := s.blobs[shaHex]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "blob not found"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", blob)
}

// validAuthorization checks the kind-24242 upload event: valid signature,
// t=upload and an x tag matching the uploaded blob's hash.
func validAuthorization(header, shaHex string) bool {
	raw, ok := strings.CutPrefix(header, "Nostr ")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return false
	}
	var ev nostr.Event
	if err := json.Unmarshal(decoded, &ev); err != nil {
		return false
	}
	if ev.Kind != 24242 {
		return false
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return false
	}
	if tag := ev.Tags.GetFirst([]string{"t", "upload"}); tag == nil {
		return false
	}
	if tag := ev.Tags.GetFirst([]string{"x", shaHex}); tag == nil {
		return false
	}
	return true
}
