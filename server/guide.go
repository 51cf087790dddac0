package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// saveGuide stores an uploaded guide document under the upload dir and
// returns the stored path. The caller-supplied name contributes only its
// base name, so uploads cannot escape the directory.
func (s *Server) saveGuide(name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) {
		base = "guide"
	}
	f, err := os.CreateTemp(s.uploadDir, "guide-*-"+base)
	if err != nil {
		return "", fmt.Errorf("creating guide file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing guide file: %w", err)
	}
	return f.Name(), nil
}

// postGuide stores a guide document for use in a later WebSocket run request,
// which cannot carry a file upload itself.
func (s *Server) postGuide(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("path")
	path, err := s.saveGuide(name, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	resp := struct {
		Path string
	}{Path: path}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debugf("error writing guide response: %s", err)
	}
}
