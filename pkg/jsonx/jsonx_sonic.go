//go:build !nojsonsimd

package jsonx

import (
	"reflect"

	"github.com/bytedance/sonic"
)

var fastJSON = sonic.ConfigDefault

// Marshal encodes v with sonic.
func Marshal(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

// Unmarshal decodes data into v with sonic.
func Unmarshal(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}

// Pretouch compiles codecs for the given values ahead of the first request.
// Failures are ignored; sonic compiles lazily in that case.
func Pretouch(values ...any) {
	for _, v := range values {
		_ = sonic.Pretouch(reflect.TypeOf(v))
	}
}
