package types

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/stephenfire/go-rtl"
)

// Encode serializes a user payload. A nil value encodes to nil so that
// "absent" survives a round trip.
func Encode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.([]byte); ok {
		return raw, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		v = rv.Elem().Interface()
	}
	buf := new(bytes.Buffer)
	if err := rtl.Encode(v, buf); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode fills target (a pointer) from data. Empty data leaves target
// untouched.
func Decode(data []byte, target interface{}) error {
	if len(data) == 0 || target == nil {
		return nil
	}
	if raw, ok := target.(*[]byte); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if reflect.TypeOf(target).Kind() != reflect.Ptr {
		return fmt.Errorf("decode target must be a pointer, got %T", target)
	}
	if err := rtl.Decode(bytes.NewBuffer(data), target); err != nil {
		return fmt.Errorf("decode into %T: %w", target, err)
	}
	return nil
}
