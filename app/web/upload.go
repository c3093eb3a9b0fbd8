package web

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/text/unicode/norm"

	"github.com/umputun/quickblog/app/web/urls"
)

// names reserved by windows, a file can't be called like this with any extension
var windowsDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// secureFilename makes a client supplied file name safe to store on the local file system.
// The result is ascii only, contains no path separators and doesn't start or end with dot or underscore.
// It can be empty, callers must check that.
func secureFilename(name string) string {
	decomposed := norm.NFKD.String(name)

	var sb strings.Builder
	for _, r := range decomposed {
		switch {
		case r == '/' || r == '\\':
			sb.WriteRune(' ')
		case r < 128:
			sb.WriteRune(r)
		}
	}

	joined := strings.Join(strings.Fields(sb.String()), "_")
	res := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '.' || r == '-':
			return r
		}
		return -1
	}, joined)
	res = strings.Trim(res, "._")

	if res != "" && windowsDeviceNames[strings.ToUpper(strings.SplitN(res, ".", 2)[0])] {
		res = "_" + res
	}
	return res
}

// allowedFile checks the extension against the configured allow-list, case-insensitive
func (s *Server) allowedFile(name string) bool {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return false
	}
	return slices.ContainsFunc(s.cfg.AllowedExtensions, func(allowed string) bool {
		return strings.EqualFold(strings.TrimPrefix(allowed, "."), ext)
	})
}

func (s *Server) handleUploadForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "upload.html", TemplateData{Extensions: s.cfg.AllowedExtensions,
		MaxUpload: s.cfg.MaxUploadSize})
}

// handleUpload stores the_file from multipart form in the upload dir and redirects to it
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "File is too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			log.Printf("[WARN] failed to remove multipart temp files: %v", err)
		}
	}()

	// part without file name is a plain form value, so no selected file is "No file part" too
	file, header, err := r.FormFile("the_file")
	if err != nil {
		http.Error(w, "No file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := secureFilename(header.Filename)
	if name == "" {
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}
	if !s.allowedFile(name) {
		http.Error(w, "File type not allowed", http.StatusBadRequest)
		return
	}

	dst, err := os.Create(filepath.Join(s.cfg.UploadDir, name)) //nolint:gosec // name is sanitized
	if err != nil {
		log.Printf("[ERROR] failed to create upload %s: %v", name, err)
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		log.Printf("[ERROR] failed to write upload %s: %v", name, err)
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	if err := dst.Close(); err != nil {
		log.Printf("[ERROR] failed to close upload %s: %v", name, err)
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}

	log.Printf("[INFO] uploaded %s (%d bytes) as %s", header.Filename, header.Size, name)
	s.redirect(w, r, "uploaded_file", "name", name)
}

// handleUploadedFile serves a file from the upload dir, paths escaping the dir are not found
func (s *Server) handleUploadedFile(w http.ResponseWriter, r *http.Request, vals urls.Values) {
	name := vals.String("name")
	if !fs.ValidPath(name) {
		http.NotFound(w, r)
		return
	}
	if fi, err := os.Stat(filepath.Join(s.cfg.UploadDir, filepath.FromSlash(name))); err != nil || !fi.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFileFS(w, r, os.DirFS(s.cfg.UploadDir), name)
}
