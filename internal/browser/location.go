//go:build js && wasm

package browser

import (
	"net/url"
	"syscall/js"

	"github.com/rs/zerolog/log"
)

// Location reads window.location and rewrites it with
// history.replaceState, so a captured code leaves no history entry.
type Location struct{}

func (Location) URL() *url.URL {
	href := js.Global().Get("location").Get("href").String()
	u, err := url.Parse(href)
	if err != nil {
		log.Warn().Err(err).Str("href", href).Msg("Unparseable page address")
		return &url.URL{Path: "/"}
	}
	return u
}

func (Location) Replace(u *url.URL) {
	history := js.Global().Get("history")
	if !history.Truthy() {
		return
	}
	history.Call("replaceState", js.Null(), "", u.String())
}
