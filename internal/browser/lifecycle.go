//go:build js && wasm

package browser

import "syscall/js"

// OnHidden calls fn when the page becomes hidden or is unloaded. The
// returned function removes the listeners.
func OnHidden(fn func()) func() {
	document := js.Global().Get("document")
	window := js.Global().Get("window")

	visibility := js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		if document.Get("visibilityState").String() == "hidden" {
			fn()
		}
		return nil
	})
	pagehide := js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		fn()
		return nil
	})

	document.Call("addEventListener", "visibilitychange", visibility)
	window.Call("addEventListener", "pagehide", pagehide)

	return func() {
		document.Call("removeEventListener", "visibilitychange", visibility)
		window.Call("removeEventListener", "pagehide", pagehide)
		visibility.Release()
		pagehide.Release()
	}
}
