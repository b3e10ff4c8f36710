package server

import (
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// serveStatic serves a file under dir for GET requests. found is false when
// no file matches and routing should continue.
func serveStatic(dir, cleanPath string) (response []byte, status string, found bool) {
	rel := cleanPath
	if rel == "/" {
		rel = "/index.html"
	}

	absBaseDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", false
	}
	absFilePath, err := filepath.Abs(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, "", false
	}

	// Path traversal attempt
	if absFilePath != absBaseDir && !strings.HasPrefix(absFilePath, absBaseDir+string(filepath.Separator)) {
		response, status = Serve403("Access denied")
		return response, status, true
	}

	info, err := os.Stat(absFilePath)
	if err != nil || info.IsDir() {
		return nil, "", false
	}

	content, err := os.ReadFile(absFilePath)
	if err != nil {
		response, status = Serve500("Could not read file")
		return response, status, true
	}

	response, status = CreateResponseBytes("200", getContentType(absFilePath), "OK", content)
	return response, status, true
}

// notFoundPage serves dir/404.html for a missing route, if the file exists.
func notFoundPage(dir string) (response []byte, status string, found bool) {
	content, err := os.ReadFile(filepath.Join(dir, "404.html"))
	if err != nil {
		return nil, "", false
	}
	response, status = CreateResponseBytes("404", "text/html", "Not Found", content)
	return response, status, true
}

// getContentType determines MIME type from file extension
func getContentType(filePath string) string {
	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return contentType
}
