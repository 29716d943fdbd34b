// ABOUTME: CBOR snapshot codec and load/save helpers on top of Store
// ABOUTME: Encoding is deterministic so identical state always yields identical bytes

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as a CBOR snapshot.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a CBOR snapshot into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// SaveSnapshot encodes v and stores it at key.
func SaveSnapshot(ctx context.Context, s Store, key string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding snapshot %q: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// LoadSnapshot decodes the value at key into v. It reports false without
// error when nothing is stored there.
func LoadSnapshot(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding snapshot %q: %w", key, err)
	}
	return true, nil
}
