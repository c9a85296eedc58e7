package offline0

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"net/http"
	"path"
	"strings"
)

// 1x1 transparent PNG.
var transparentPixel = mustDecodeBase64("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

func mustDecodeBase64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

var offlinePageTmpl = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Offline - {{.AppName}}</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,sans-serif;background:linear-gradient(135deg,#667eea 0%,#764ba2 100%);min-height:100vh;margin:0;display:flex;align-items:center;justify-content:center;color:#fff;text-align:center;padding:20px;box-sizing:border-box}
.offline-container{max-width:400px;background:rgba(255,255,255,.1);border-radius:20px;padding:40px;border:1px solid rgba(255,255,255,.2)}
.offline-title{font-size:1.5rem;font-weight:600;margin-bottom:10px}
.offline-message{opacity:.9;line-height:1.6;margin-bottom:30px}
.retry-button{background:rgba(255,255,255,.2);border:1px solid rgba(255,255,255,.3);color:#fff;padding:12px 24px;border-radius:10px;cursor:pointer;font-size:1rem}
</style>
</head>
<body>
<div class="offline-container">
<h1 class="offline-title">You're Offline</h1>
<p class="offline-message">It looks like you're not connected to the internet. Please check your connection and try again.</p>
<button class="retry-button" onclick="window.location.reload()">Try Again</button>
</div>
</body>
</html>
`))

func offlineHTML(appName string) []byte {
	var buf bytes.Buffer
	_ = offlinePageTmpl.Execute(&buf, struct{ AppName string }{appName})
	return buf.Bytes()
}

func offlinePageResponse(appName string) *Response {
	return newResponse(http.StatusOK, "text/html; charset=utf-8", offlineHTML(appName))
}

type apiOfflineError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

func apiOfflineResponse() *Response {
	b, _ := json.Marshal(apiOfflineError{
		Error:   "Network unavailable",
		Message: "Please check your internet connection and try again.",
		Offline: true,
	})
	return newResponse(http.StatusServiceUnavailable, "application/json", b)
}

type assetKind int

const (
	assetOther assetKind = iota
	assetStylesheet
	assetScript
	assetImage
)

func assetKindOf(p string) assetKind {
	switch strings.ToLower(path.Ext(p)) {
	case ".css":
		return assetStylesheet
	case ".js", ".mjs":
		return assetScript
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico":
		return assetImage
	default:
		return assetOther
	}
}

// staticPlaceholder is served when a static asset is neither cached nor
// reachable.
func staticPlaceholder(p string) *Response {
	switch assetKindOf(p) {
	case assetStylesheet:
		return newResponse(http.StatusOK, "text/css", []byte("/* Offline - CSS not available */"))
	case assetScript:
		return newResponse(http.StatusOK, "application/javascript", []byte("// Offline - JavaScript not available"))
	case assetImage:
		return newResponse(http.StatusOK, "image/png", append([]byte(nil), transparentPixel...))
	default:
		return newResponse(http.StatusNotFound, "text/plain; charset=utf-8", []byte("Resource not available offline"))
	}
}
