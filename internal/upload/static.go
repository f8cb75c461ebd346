package upload

import (
	_ "embed"
	"net/http"
)

//go:embed static/index.html
var indexPage []byte

func serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexPage)
}
