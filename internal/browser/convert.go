//go:build js && wasm

package browser

import (
	"encoding/json"
	"syscall/js"
)

// ToJS converts any JSON-encodable value to a plain JS object.
func ToJS(v interface{}) js.Value {
	data, err := json.Marshal(v)
	if err != nil {
		return js.Null()
	}
	return js.Global().Get("JSON").Call("parse", string(data))
}

// FromJS decodes a plain JS object into v through JSON.
func FromJS(val js.Value, v interface{}) error {
	if val.IsUndefined() || val.IsNull() {
		return nil
	}
	s := js.Global().Get("JSON").Call("stringify", val).String()
	return json.Unmarshal([]byte(s), v)
}

// Promise settles a JS promise with the result of fn, which runs on its own
// goroutine.
func Promise(fn func() (interface{}, error)) js.Value {
	var executor js.Func
	executor = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		resolve, reject := args[0], args[1]
		go func() {
			defer executor.Release()
			v, err := fn()
			if err != nil {
				reject.Invoke(js.Global().Get("Error").New(err.Error()))
				return
			}
			resolve.Invoke(ToJS(v))
		}()
		return nil
	})
	return js.Global().Get("Promise").New(executor)
}
