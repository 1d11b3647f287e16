package pki

import (
	"github.com/fxamacker/cbor/v2"
)

// Entries are encoded with Core Deterministic Encoding so the same entry
// always produces the same bytes (and the same ciphertext AAD binding).
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("pki: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("pki: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalCBOR(v any) ([]byte, error) { return encMode.Marshal(v) }

func unmarshalCBOR(data []byte, v any) error { return decMode.Unmarshal(data, v) }
