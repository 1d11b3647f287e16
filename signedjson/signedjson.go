// Package signedjson produces canonical JSON and attaches detached
// ed25519 signatures under a "signatures" member, the way federated
// servers attest to JSON objects.
package signedjson

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoSignature is returned by Verify when the object carries no
	// signature for the requested server and key.
	ErrNoSignature = errors.New("no matching signature")
	// ErrBadSignature is returned by Verify when the signature does not
	// match the canonical content.
	ErrBadSignature = errors.New("signature verification failed")
)

const (
	signaturesKey = "signatures"
	unsignedKey   = "unsigned"
)

// Canonical encodes v with lexically sorted object keys, no insignificant
// whitespace and no HTML escaping. Any value encoding/json can marshal is
// accepted; it is round-tripped through a generic tree first so struct
// field order does not leak into the output.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	tree, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	return encodeTree(tree)
}

func decodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return tree, nil
}

// encodeTree relies on encoding/json sorting map keys.
func encodeTree(tree any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encoding canonical JSON: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// SignFunc signs content and reports the key id it used.
type SignFunc func(ctx context.Context, content []byte) (keyID string, sig []byte, err error)

// Sign canonicalizes obj without its "signatures" and "unsigned" members,
// signs the result and returns a copy of obj with the signature added
// under signatures[serverName][keyID] as unpadded base64. Existing
// signatures are preserved.
func Sign(ctx context.Context, obj map[string]any, serverName string, sign SignFunc) (map[string]any, error) {
	content, err := signingBytes(obj)
	if err != nil {
		return nil, err
	}
	keyID, sig, err := sign(ctx, content)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	sigs := copySignatures(obj[signaturesKey])
	if sigs[serverName] == nil {
		sigs[serverName] = map[string]any{}
	}
	sigs[serverName][keyID] = base64.RawStdEncoding.EncodeToString(sig)
	out[signaturesKey] = toAny(sigs)
	return out, nil
}

// Verify checks the signature of serverName/keyID on obj against pub.
func Verify(obj map[string]any, serverName, keyID string, pub ed25519.PublicKey) error {
	sigs := copySignatures(obj[signaturesKey])
	encoded, ok := sigs[serverName][keyID].(string)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoSignature, serverName, keyID)
	}
	sig, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: decoding signature: %v", ErrBadSignature, err)
	}
	content, err := signingBytes(obj)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, content, sig) {
		return ErrBadSignature
	}
	return nil
}

func signingBytes(obj map[string]any) ([]byte, error) {
	stripped := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == signaturesKey || k == unsignedKey {
			continue
		}
		stripped[k] = v
	}
	return Canonical(stripped)
}

func copySignatures(v any) map[string]map[string]any {
	out := map[string]map[string]any{}
	switch sigs := v.(type) {
	case map[string]any:
		for server, keys := range sigs {
			if m, ok := keys.(map[string]any); ok {
				out[server] = cloneMap(m)
			}
		}
	case map[string]map[string]any:
		for server, m := range sigs {
			out[server] = cloneMap(m)
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func toAny(sigs map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(sigs))
	for k, v := range sigs {
		out[k] = v
	}
	return out
}
