//go:build js && wasm

// Package browser adapts Web APIs (storage, location, beacon, page
// lifecycle) to the attribution core's ports.
package browser

import (
	"fmt"
	"syscall/js"

	"github.com/gosight/gosight/waitlist/internal/storage"
)

// WebStorage is a storage.Port over window.localStorage or
// window.sessionStorage.
type WebStorage struct {
	name string
	obj  js.Value
}

// LocalStorage returns the persistent store. When the browser blocks access
// every call fails with storage.ErrUnavailable, which the core's fallback
// turns into in-memory storage.
func LocalStorage() *WebStorage {
	return open("localStorage")
}

// SessionStorage returns the session-scoped store.
func SessionStorage() *WebStorage {
	return open("sessionStorage")
}

func open(name string) *WebStorage {
	w := &WebStorage{name: name}
	// Reading the property itself throws in some privacy modes.
	func() {
		defer func() { recover() }()
		if obj := js.Global().Get(name); obj.Truthy() {
			w.obj = obj
		}
	}()
	return w
}

func (w *WebStorage) Get(key string) (value string, ok bool, err error) {
	if !w.obj.Truthy() {
		return "", false, storage.ErrUnavailable
	}
	defer catch(&err, w.name)

	v := w.obj.Call("getItem", key)
	if v.IsNull() || v.IsUndefined() {
		return "", false, nil
	}
	return v.String(), true, nil
}

func (w *WebStorage) Set(key, value string) (err error) {
	if !w.obj.Truthy() {
		return storage.ErrUnavailable
	}
	defer catch(&err, w.name)

	w.obj.Call("setItem", key, value)
	return nil
}

func (w *WebStorage) Remove(key string) (err error) {
	if !w.obj.Truthy() {
		return storage.ErrUnavailable
	}
	defer catch(&err, w.name)

	w.obj.Call("removeItem", key)
	return nil
}

// catch converts a thrown JS exception (quota, security) into an error.
func catch(err *error, name string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s: %v: %w", name, r, storage.ErrUnavailable)
	}
}
