//go:build js && wasm

package browser

import (
	"encoding/json"
	"strings"
	"syscall/js"

	"github.com/gosight/gosight/waitlist/internal/api"
	"github.com/gosight/gosight/waitlist/internal/funnel"
)

// Beacon delivers events with navigator.sendBeacon, which the browser
// completes even while the page is being torn down.
type Beacon struct {
	url string
}

func NewBeacon(baseURL string) *Beacon {
	return &Beacon{url: strings.TrimRight(baseURL, "/") + "/api/events"}
}

func (b *Beacon) SendBeacon(events []funnel.Event) bool {
	navigator := js.Global().Get("navigator")
	if !navigator.Truthy() || navigator.Get("sendBeacon").Type() != js.TypeFunction {
		return false
	}

	body, err := json.Marshal(api.EventBatchRequest{Events: events})
	if err != nil {
		return false
	}

	opts := js.Global().Get("Object").New()
	opts.Set("type", "application/json")
	parts := js.Global().Get("Array").New(string(body))
	blob := js.Global().Get("Blob").New(parts, opts)

	return navigator.Call("sendBeacon", b.url, blob).Truthy()
}
