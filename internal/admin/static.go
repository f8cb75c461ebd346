package admin

import (
	_ "embed"
	"net/http"
)

//go:embed static/admin.html
var dashboardPage []byte

func serveDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(dashboardPage)
}
